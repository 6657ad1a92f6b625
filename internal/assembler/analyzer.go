package assembler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/graph"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/metrics"
	"github.com/pipewright/pipewright/internal/scanner/discovery"
	"github.com/pipewright/pipewright/internal/scanner/language"
	"github.com/pipewright/pipewright/internal/scanner/packages"
)

// Request describes one dependency analysis. Languages filters the scanner
// set by name; empty means every registered language. A nil Features means
// everything is extracted.
type Request struct {
	Path            string    `json:"path" validate:"required"`
	Languages       []string  `json:"languages,omitempty"`
	IncludePatterns []string  `json:"include_patterns,omitempty"`
	ExcludePatterns []string  `json:"exclude_patterns,omitempty"`
	MaxDepth        int       `json:"max_depth,omitempty" validate:"gte=0"`
	Features        *Features `json:"features,omitempty"`
	MaxParallelJobs int       `json:"max_parallel_jobs,omitempty" validate:"gte=0,lte=64"`

	// Progress, when set, is called once per scanned file. It must be safe
	// for concurrent use.
	Progress func(done, total int) `json:"-"`
}

func (r *Request) features() Features {
	if r.Features == nil {
		return AllFeatures()
	}
	return *r.Features
}

// Result is the analysis response: the graph in its wire format plus the
// derived metrics and layout.
type Result struct {
	Target        string         `json:"target"`
	FilesScanned  int            `json:"files_scanned"`
	Graph         *graph.Graph   `json:"graph"`
	Metrics       *Metrics       `json:"metrics"`
	Visualization *Visualization `json:"visualization"`
	Warnings      []string       `json:"warnings,omitempty"`
	GeneratedAt   time.Time      `json:"generated_at"`
	DurationMS    int64          `json:"duration_ms"`
}

// Analyzer runs the scan → assemble → measure pipeline.
type Analyzer struct {
	prom *metrics.Metrics
	log  logger.Logger
}

// NewAnalyzer creates an analyzer. The metrics set may be nil.
func NewAnalyzer(prom *metrics.Metrics) *Analyzer {
	return &Analyzer{prom: prom, log: logger.New("analyzer")}
}

// Analyze scans the project, assembles the graph and computes the metric
// and visualization payloads. Per-file scan failures are logged, counted
// and skipped; only structural problems (unreadable root, bad patterns,
// cancellation) abort.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	if req.Path == "" {
		return nil, apperrors.Input("project_path_required", "a project path is required")
	}
	info, err := os.Stat(req.Path)
	if err != nil || !info.IsDir() {
		return nil, apperrors.Resource("project_not_found", "project path does not exist or is not a directory").
			WithDetail("path", req.Path)
	}

	files, err := discovery.Discover(discovery.Options{
		Root:            req.Path,
		IncludePatterns: req.IncludePatterns,
		ExcludePatterns: req.ExcludePatterns,
		MaxDepth:        req.MaxDepth,
	})
	if err != nil {
		return nil, apperrors.Input("invalid_discovery_options", err.Error()).WithCause(err)
	}

	feats := req.features()
	resolver := language.NewResolver(files)
	registry := language.NewRegistry(resolver)
	wanted := languageSet(req.Languages)

	candidates := make([]string, 0, len(files))
	for _, rel := range files {
		scanner, ok := registry.ForFile(rel)
		if !ok {
			continue
		}
		if wanted != nil && !wanted[scanner.Language()] {
			continue
		}
		candidates = append(candidates, rel)
	}

	scans, failures := a.scanFiles(ctx, req, registry, candidates)
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Timeout("analysis_cancelled", "analysis cancelled").WithCause(err)
	}

	var pkgScans []packages.PackageScan
	if feats.Packages {
		pkgScans = packages.NewScanner(req.Path, nil).Scan(ctx, files)
	}

	g := Assemble(scans, pkgScans, feats)
	m := ComputeMetrics(g)

	if a.prom != nil {
		a.prom.GraphNodes.Set(float64(m.NodeCount))
		a.prom.GraphEdges.Set(float64(m.EdgeCount))
	}

	var warnings []string
	if failures > 0 {
		warnings = append(warnings, fmt.Sprintf("%d file(s) could not be scanned", failures))
	}
	if len(m.Cycles) > 0 {
		warnings = append(warnings, fmt.Sprintf("dependency graph contains %d cycle(s)", len(m.Cycles)))
	}

	res := &Result{
		Target:        req.Path,
		FilesScanned:  scannedCount(scans),
		Graph:         g,
		Metrics:       m,
		Visualization: Visualize(g),
		Warnings:      warnings,
		GeneratedAt:   time.Now().UTC(),
		DurationMS:    time.Since(started).Milliseconds(),
	}

	a.log.Info("analysis finished",
		logger.String("path", req.Path),
		logger.Int("files", res.FilesScanned),
		logger.Int("nodes", m.NodeCount),
		logger.Int("edges", m.EdgeCount),
		logger.Int64("duration_ms", res.DurationMS))
	return res, nil
}

// scanFiles fans file scans out over a bounded worker group. Results keep
// their input position so assembly order does not depend on goroutine
// scheduling.
func (a *Analyzer) scanFiles(ctx context.Context, req Request, registry *language.Registry, candidates []string) ([]*language.FileScan, int) {
	jobs := req.MaxParallelJobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	scans := make([]*language.FileScan, len(candidates))
	var failures atomic.Int64
	var finished atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, rel := range candidates {
		i, rel := i, rel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			defer func() {
				if req.Progress != nil {
					req.Progress(int(finished.Add(1)), len(candidates))
				}
			}()

			scanner, _ := registry.ForFile(rel)
			start := time.Now()
			content, err := os.ReadFile(filepath.Join(req.Path, filepath.FromSlash(rel)))
			if err != nil {
				a.log.Warn("skipping unreadable file", logger.String("path", rel), logger.Error(err))
				a.countFailure(scanner.Language())
				failures.Add(1)
				return nil
			}

			scan, err := scanner.Scan(rel, content)
			if err != nil {
				a.log.Warn("file scan failed",
					logger.String("path", rel),
					logger.String("language", scanner.Language()),
					logger.Error(err))
				a.countFailure(scanner.Language())
				failures.Add(1)
				return nil
			}

			scans[i] = scan
			if a.prom != nil {
				a.prom.FilesScanned.WithLabelValues(scanner.Language()).Inc()
				a.prom.ScanDuration.WithLabelValues(scanner.Language()).Observe(time.Since(start).Seconds())
			}
			return nil
		})
	}

	// Per-file errors never bubble up; only cancellation does, and the
	// caller reads ctx.Err afterwards.
	_ = g.Wait()
	return scans, int(failures.Load())
}

func (a *Analyzer) countFailure(lang string) {
	if a.prom != nil {
		a.prom.ScanFailures.WithLabelValues(lang).Inc()
	}
}

func languageSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func scannedCount(scans []*language.FileScan) int {
	c := 0
	for _, s := range scans {
		if s != nil {
			c++
		}
	}
	return c
}
