// Package sources collects the raw segmentation masks a fresh annotation
// state is bootstrapped from.
//
// A mask directory holds an optional graph.yaml declaring which parts each
// object has, and any number of JSON manifests (in any sub-directory), one
// per image or per batch:
//
//	{"image_path": "boats/0001.jpg",
//	 "labels": {"boats--airboat": [<rle>], "boats--airboat--part:hull": [<rle>]}}
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/partonomy/annotator/internal/annotation"
)

// GraphFileName is the name of the part graph inside the mask directory
const GraphFileName = "graph.yaml"

// Collector produces a Dataset from raw sources
type Collector interface {
	Collect(ctx context.Context) (*Dataset, error)
}

// Dataset is the result of scanning the raw mask sources.
type Dataset struct {
	// Images maps image path to label to the RLE masks of that label
	Images map[string]map[string][]annotation.RLE

	// PartLabels is the sorted set of known part labels
	PartLabels []string

	// ObjectParts maps each object label to its expected part labels
	ObjectParts map[string][]string

	// ImageLabels maps each image path to its object label
	ImageLabels map[string]string
}

// IsPart reports whether label is a known part label
func (d *Dataset) IsPart(label string) bool {
	i := sort.SearchStrings(d.PartLabels, label)
	return i < len(d.PartLabels) && d.PartLabels[i] == label
}

type partGraph struct {
	Objects map[string][]string `yaml:"objects"`
}

type manifest struct {
	ImagePath string                      `json:"image_path"`
	Labels    map[string][]annotation.RLE `json:"labels"`
}

// DirectoryCollector scans a mask directory on disk
type DirectoryCollector struct {
	imagesDir     string
	masksDir      string
	requireImages bool
	workers       int
	exclude       map[string]struct{}
}

// CollectorOption configures a DirectoryCollector
type CollectorOption func(*DirectoryCollector)

// WithRequireImages skips manifests whose image file is missing from the images directory
func WithRequireImages(require bool) CollectorOption {
	return func(c *DirectoryCollector) {
		c.requireImages = require
	}
}

// WithWorkers bounds the number of manifests parsed concurrently
func WithWorkers(n int) CollectorOption {
	return func(c *DirectoryCollector) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithExcludePaths skips files and directories under the masks directory,
// such as the snapshot and its backups when they live there
func WithExcludePaths(paths ...string) CollectorOption {
	return func(c *DirectoryCollector) {
		for _, p := range paths {
			if p != "" {
				c.exclude[filepath.Clean(p)] = struct{}{}
			}
		}
	}
}

// NewDirectoryCollector creates a collector over imagesDir and masksDir
func NewDirectoryCollector(imagesDir, masksDir string, opts ...CollectorOption) *DirectoryCollector {
	c := &DirectoryCollector{
		imagesDir: imagesDir,
		masksDir:  masksDir,
		workers:   runtime.GOMAXPROCS(0),
		exclude:   map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect implements Collector
func (c *DirectoryCollector) Collect(ctx context.Context) (*Dataset, error) {
	graph, err := c.loadGraph()
	if err != nil {
		return nil, err
	}

	files, err := c.manifestFiles()
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		manifests = make([]manifest, 0, len(files))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m, err := readManifests(file)
			if err != nil {
				return err
			}
			mu.Lock()
			manifests = append(manifests, m...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ds := c.assemble(graph, manifests)
	slog.Info("Collected raw mask sources",
		"manifests", len(files),
		"images", len(ds.Images),
		"part_labels", len(ds.PartLabels),
	)
	return ds, nil
}

func (c *DirectoryCollector) loadGraph() (*partGraph, error) {
	graph := &partGraph{Objects: map[string][]string{}}

	// #nosec G304 -- masks directory comes from trusted configuration
	data, err := os.ReadFile(filepath.Join(c.masksDir, GraphFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return graph, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read part graph: %w", err)
	}
	if err := yaml.Unmarshal(data, graph); err != nil {
		return nil, fmt.Errorf("failed to parse part graph: %w", err)
	}
	if graph.Objects == nil {
		graph.Objects = map[string][]string{}
	}
	return graph, nil
}

func (c *DirectoryCollector) manifestFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(c.masksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if _, skip := c.exclude[filepath.Clean(path)]; skip {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan mask directory %s: %w", c.masksDir, err)
	}
	sort.Strings(files)
	return files, nil
}

// readManifests accepts a single manifest object or an array of them.
func readManifests(path string) ([]manifest, error) {
	// #nosec G304 -- path was found under the configured masks directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var many []manifest
		if err := json.Unmarshal(data, &many); err != nil {
			return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
		return many, nil
	}

	var one manifest
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return []manifest{one}, nil
}

func (c *DirectoryCollector) assemble(graph *partGraph, manifests []manifest) *Dataset {
	ds := &Dataset{
		Images:      map[string]map[string][]annotation.RLE{},
		ObjectParts: map[string][]string{},
		ImageLabels: map[string]string{},
	}

	parts := map[string]struct{}{}
	for object, objectParts := range graph.Objects {
		for _, p := range objectParts {
			parts[p] = struct{}{}
			ds.ObjectParts[object] = appendUnique(ds.ObjectParts[object], p)
		}
	}

	for _, m := range manifests {
		if m.ImagePath == "" {
			slog.Warn("Skipping manifest entry without image_path")
			continue
		}
		if c.requireImages && !c.imageExists(m.ImagePath) {
			slog.Warn("Skipping manifest for missing image", "image_path", m.ImagePath)
			continue
		}

		labels := ds.Images[m.ImagePath]
		if labels == nil {
			labels = map[string][]annotation.RLE{}
			ds.Images[m.ImagePath] = labels
		}
		for label, rles := range m.Labels {
			labels[label] = append(labels[label], rles...)
			if annotation.IsPartLabel(label) {
				parts[label] = struct{}{}
				object := annotation.ObjectPrefix(label)
				ds.ObjectParts[object] = appendUnique(ds.ObjectParts[object], label)
			}
		}
	}

	ds.PartLabels = make([]string, 0, len(parts))
	for p := range parts {
		ds.PartLabels = append(ds.PartLabels, p)
	}
	sort.Strings(ds.PartLabels)
	for object := range ds.ObjectParts {
		sort.Strings(ds.ObjectParts[object])
	}

	for path, labels := range ds.Images {
		ds.ImageLabels[path] = objectLabel(labels, ds)
	}

	return ds
}

func (c *DirectoryCollector) imageExists(imagePath string) bool {
	p := imagePath
	if !filepath.IsAbs(p) && c.imagesDir != "" {
		p = filepath.Join(c.imagesDir, p)
	}
	_, err := os.Stat(p)
	return err == nil
}

// objectLabel prefers an explicit object mask label and falls back to the
// object prefix of the first part label.
func objectLabel(labels map[string][]annotation.RLE, ds *Dataset) string {
	var objects, parts []string
	for label := range labels {
		if ds.IsPart(label) {
			parts = append(parts, label)
		} else {
			objects = append(objects, label)
		}
	}
	sort.Strings(objects)
	sort.Strings(parts)
	switch {
	case len(objects) > 0:
		return objects[0]
	case len(parts) > 0:
		return annotation.ObjectPrefix(parts[0])
	default:
		return ""
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
