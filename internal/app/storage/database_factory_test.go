package storage

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partonomy/annotator/database"
	"github.com/partonomy/annotator/internal/config"
)

// databaseConfigFor turns a container connection string into store settings
func databaseConfigFor(t *testing.T, connStr string) *config.DatabaseConfig {
	t.Helper()

	u, err := url.Parse(connStr)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	password, _ := u.User.Password()

	passwordFile := filepath.Join(t.TempDir(), "db-password")
	require.NoError(t, os.WriteFile(passwordFile, []byte(password+"\n"), 0o600))

	return &config.DatabaseConfig{
		Host:         u.Hostname(),
		Port:         port,
		User:         u.User.Username(),
		PasswordFile: passwordFile,
		Database:     u.Path[1:],
		SSLMode:      "disable",
	}
}

func TestNewDatabaseFactory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, connStr := database.SetupTestDBContainer(t, ctx)

	tests := []struct {
		name    string
		cfg     func(t *testing.T) *config.Config
		opts    []DatabaseFactoryOption
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config with database settings",
			cfg: func(t *testing.T) *config.Config {
				t.Helper()
				return &config.Config{Store: config.StoreConfig{
					Type:     config.StoreTypePostgres,
					Database: databaseConfigFor(t, connStr),
				}}
			},
		},
		{
			name: "valid config with connection pool settings and migrations",
			cfg: func(t *testing.T) *config.Config {
				t.Helper()
				dc := databaseConfigFor(t, connStr)
				dc.MaxOpenConns = 10
				dc.MaxIdleConns = 2
				dc.ConnMaxLifetime = "1h"
				return &config.Config{Store: config.StoreConfig{Type: config.StoreTypePostgres, Database: dc}}
			},
			opts: []DatabaseFactoryOption{WithMigrations(true)},
		},
		{
			name:    "nil config returns error",
			cfg:     func(*testing.T) *config.Config { return nil },
			wantErr: true,
			errMsg:  "config cannot be nil",
		},
		{
			name: "missing password",
			cfg: func(t *testing.T) *config.Config {
				t.Helper()
				dc := databaseConfigFor(t, connStr)
				dc.PasswordFile = filepath.Join(t.TempDir(), "missing")
				return &config.Config{Store: config.StoreConfig{Type: config.StoreTypePostgres, Database: dc}}
			},
			wantErr: true,
			errMsg:  "failed to build connection string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			factory, err := NewDatabaseFactory(ctx, tt.cfg(t), tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			t.Cleanup(factory.Cleanup)

			store, err := factory.CreateStore(ctx)
			require.NoError(t, err)
			require.NoError(t, store.Ping(ctx))

			key := "factory-" + t.Name()
			require.NoError(t, store.Set(ctx, key, []byte("ok")))
			got, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("ok"), got)
		})
	}
}

func TestDatabaseFactoryCleanupIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, connStr := database.SetupTestDBContainer(t, ctx)

	factory, err := NewDatabaseFactory(ctx, &config.Config{Store: config.StoreConfig{
		Type:     config.StoreTypePostgres,
		Database: databaseConfigFor(t, connStr),
	}})
	require.NoError(t, err)

	factory.Cleanup()
	factory.Cleanup()

	store, err := factory.CreateStore(ctx)
	require.NoError(t, err)
	assert.Error(t, store.Ping(ctx))
}
