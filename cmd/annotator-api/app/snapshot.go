package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/partonomy/annotator/internal/config"
	"github.com/partonomy/annotator/internal/maintenance"
	"github.com/partonomy/annotator/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Maintain the durable annotation snapshot",
	Long: `Offline maintenance of the annotation snapshot. Every edit backs up the
current snapshot first. Run edits while no server writes the snapshot, then
reload running servers with POST /queue/reload-queue?from_snapshot=true.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var snapshotBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Copy the snapshot into the backup directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		snap, cfg, err := loadSnapshot(cmd)
		if err != nil {
			return err
		}
		path, err := snap.Backup(cmd.Context(), cfg.Dataset.GetBackupDir())
		if err != nil {
			return fmt.Errorf("failed to back up snapshot: %w", err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var snapshotStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print image, part and object counts of the snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		editor, err := newEditor(cmd)
		if err != nil {
			return err
		}
		st, err := editor.Load(cmd.Context())
		if err != nil {
			return err
		}
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return fmt.Errorf("failed to get format flag: %w", err)
		}
		summary := maintenance.Summarize(st)
		switch format {
		case "json", "":
			return printJSON(cmd, summary)
		case "table":
			return printSummaryTable(cmd.OutOrStdout(), summary)
		default:
			return fmt.Errorf("unsupported format %q, use json or table", format)
		}
	},
}

var snapshotMoveImageCmd = &cobra.Command{
	Use:   "move-image <image-path>",
	Short: "Send one image back to review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clearUnchecked, err := cmd.Flags().GetBool("clear-unchecked")
		if err != nil {
			return fmt.Errorf("failed to get clear-unchecked flag: %w", err)
		}
		return applyOperation(cmd, maintenance.MoveImage(args[0], clearUnchecked))
	},
}

var snapshotMoveObjectCmd = &cobra.Command{
	Use:   "move-object <object-label>",
	Short: "Send every image of an object back to review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyOperation(cmd, maintenance.MoveObject(args[0]))
	},
}

var snapshotMovePartsCmd = &cobra.Command{
	Use:   "move-parts <part-label>...",
	Short: "Send reviewed images containing any of the parts back to review",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyOperation(cmd, maintenance.MoveParts(args...))
	},
}

var snapshotRemoveImageCmd = &cobra.Command{
	Use:   "remove-image <path-substring>",
	Short: "Remove images whose path contains a substring",
	Long: `Remove images whose path contains a substring. Each match is confirmed
individually unless --yes is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemoveImage,
}

var snapshotRemoveObjectsCmd = &cobra.Command{
	Use:   "remove-objects <object-label>...",
	Short: "Remove every part of the objects and exclude them from the dataset",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyOperation(cmd, maintenance.RemoveObjects(args...))
	},
}

var snapshotRemovePartsCmd = &cobra.Command{
	Use:   "remove-parts <part-label>...",
	Short: "Remove part labels from every image",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyOperation(cmd, maintenance.RemoveParts(args...))
	},
}

var snapshotRenamePartCmd = &cobra.Command{
	Use:   "rename-part <old-label> <new-label>",
	Short: "Rename a part label on every image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyOperation(cmd, maintenance.RenamePart(args[0], args[1]))
	},
}

func init() {
	snapshotCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")
	snapshotCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	snapshotCmd.PersistentFlags().Bool("dry-run", false, "Report the changes without writing them")
	snapshotCmd.PersistentFlags().String("out", "", "Write the edited snapshot to this file instead of replacing it")

	if err := snapshotCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	snapshotStatsCmd.Flags().String("format", "json", "Output format (json or table)")
	snapshotMoveImageCmd.Flags().Bool("clear-unchecked", false, "Empty the unchecked collection before moving the image")

	snapshotCmd.AddCommand(
		snapshotBackupCmd,
		snapshotStatsCmd,
		snapshotMoveImageCmd,
		snapshotMoveObjectCmd,
		snapshotMovePartsCmd,
		snapshotRemoveImageCmd,
		snapshotRemoveObjectsCmd,
		snapshotRemovePartsCmd,
		snapshotRenamePartCmd,
	)
}

func loadSnapshot(cmd *cobra.Command) (snapshot.Persistence, *config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return snapshot.NewFileSnapshot(cfg.Dataset.GetSnapshotFile()), cfg, nil
}

func newEditor(cmd *cobra.Command) (*maintenance.Editor, error) {
	snap, cfg, err := loadSnapshot(cmd)
	if err != nil {
		return nil, err
	}
	return maintenance.NewEditor(snap, cfg.Dataset.GetBackupDir()), nil
}

func applyOptions(cmd *cobra.Command) (maintenance.ApplyOptions, error) {
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return maintenance.ApplyOptions{}, fmt.Errorf("failed to get dry-run flag: %w", err)
	}
	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return maintenance.ApplyOptions{}, fmt.Errorf("failed to get out flag: %w", err)
	}
	return maintenance.ApplyOptions{DryRun: dryRun, OutPath: out}, nil
}

func applyOperation(cmd *cobra.Command, op maintenance.Operation) error {
	editor, err := newEditor(cmd)
	if err != nil {
		return err
	}
	opts, err := applyOptions(cmd)
	if err != nil {
		return err
	}
	report, err := editor.Apply(cmd.Context(), op, opts)
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runRemoveImage(cmd *cobra.Command, args []string) error {
	editor, err := newEditor(cmd)
	if err != nil {
		return err
	}
	st, err := editor.Load(cmd.Context())
	if err != nil {
		return err
	}

	found := maintenance.FindImages(st, args[0])
	if len(found) == 0 {
		slog.Info("No image matches", "substring", args[0])
		return nil
	}

	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}
	selected := found
	if !yes {
		selected = nil
		in, err := promptReader(cmd)
		if err != nil {
			return err
		}
		for _, path := range found {
			ok, err := ask(in, cmd.OutOrStdout(), fmt.Sprintf("Remove %s?", path))
			if err != nil {
				return err
			}
			if ok {
				selected = append(selected, path)
			}
		}
	}
	if len(selected) == 0 {
		slog.Info("No image selected for removal")
		return nil
	}

	opts, err := applyOptions(cmd)
	if err != nil {
		return err
	}
	report, err := editor.Apply(cmd.Context(), maintenance.RemoveImages(selected...), opts)
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func printSummaryTable(w io.Writer, s maintenance.Summary) error {
	table := tablewriter.NewWriter(w)
	table.Header("Kind", "Name", "Count")

	rows := [][]string{
		{"images", "total", strconv.Itoa(s.TotalImages)},
		{"images", "checked", strconv.Itoa(s.CheckedImages)},
		{"images", "unchecked", strconv.Itoa(s.UncheckedImages)},
		{"images", "poor quality", strconv.Itoa(s.PoorQuality)},
	}
	for _, kind := range []struct {
		name   string
		counts map[string]int
	}{{"object", s.Objects}, {"part", s.Parts}} {
		names := make([]string, 0, len(kind.counts))
		for name := range kind.counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rows = append(rows, []string{kind.name, name, strconv.Itoa(kind.counts[name])})
		}
	}
	for _, object := range s.ExcludedObjects {
		rows = append(rows, []string{"excluded", object, "-"})
	}

	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to render summary: %w", err)
		}
	}
	return table.Render()
}

func printJSON(cmd *cobra.Command, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output as JSON: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
	return err
}
