// Package scan diagnoses every supported file in a directory.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/remedy/internal/ingest"
	"github.com/kalambet/remedy/internal/pipeline"
)

const defaultConcurrency = 4

// Diagnoser runs one submission through the pipeline.
type Diagnoser interface {
	Diagnose(ctx context.Context, sub ingest.Submission) pipeline.Result
}

// Options controls which files a scan visits.
type Options struct {
	Recursive bool
	// Extensions filters by file extension, including the dot. Empty means
	// ".py".
	Extensions  []string
	Concurrency int
}

// FileResult is the outcome for one file.
type FileResult struct {
	Path   string          `json:"path"`
	Status pipeline.Status `json:"status"`
	Kind   string          `json:"error_kind,omitempty"`
	Result pipeline.Result `json:"result"`
}

// Summary aggregates a scan.
type Summary struct {
	Directory  string                  `json:"directory"`
	TotalFiles int                     `json:"total_files"`
	ByStatus   map[pipeline.Status]int `json:"by_status"`
	ByKind     map[string]int          `json:"by_error_kind"`
	Files      []FileResult            `json:"files"`
}

// Files lists the matching files under dir, sorted.
func Files(dir string, opts Options) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scanning %s: not a directory", dir)
	}

	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{".py"}
	}
	match := func(name string) bool {
		ext := strings.ToLower(filepath.Ext(name))
		for _, e := range exts {
			if ext == strings.ToLower(e) {
				return true
			}
		}
		return false
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && match(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// Directory diagnoses every matching file under dir. Files are read and
// diagnosed concurrently; results keep the sorted file order. A file that
// cannot be read is reported with status ingestion_error.
func Directory(ctx context.Context, d Diagnoser, dir string, opts Options) (Summary, error) {
	files, err := Files(dir, opts)
	if err != nil {
		return Summary{}, err
	}

	results := make([]FileResult, len(files))
	limit := opts.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = diagnoseFile(gctx, d, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	sum := Summary{
		Directory:  dir,
		TotalFiles: len(files),
		ByStatus:   make(map[pipeline.Status]int),
		ByKind:     make(map[string]int),
		Files:      results,
	}
	for _, fr := range results {
		sum.ByStatus[fr.Status]++
		if fr.Kind != "" {
			sum.ByKind[fr.Kind]++
		}
	}
	return sum, nil
}

func diagnoseFile(ctx context.Context, d Diagnoser, path string) FileResult {
	sub, err := ingest.ReadFile(path)
	if err != nil {
		return FileResult{
			Path:   path,
			Status: pipeline.StatusIngestionError,
			Result: pipeline.Result{Status: pipeline.StatusIngestionError, Name: filepath.Base(path), Error: err.Error()},
		}
	}
	res := d.Diagnose(ctx, sub)
	fr := FileResult{Path: path, Status: res.Status, Result: res}
	if res.Classifier != nil {
		fr.Kind = res.Classifier.Kind
	}
	return fr
}
