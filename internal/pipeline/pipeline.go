// Package pipeline runs polygon features through tile cover, concurrent
// download, mosaic and manifest writing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/samber/lo"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/downloads"
	"imagery-pipeline/internal/imagery"
	"imagery-pipeline/internal/logging"
	"imagery-pipeline/internal/manifest"
	"imagery-pipeline/internal/taskqueue"
	"imagery-pipeline/internal/tile"
	"imagery-pipeline/internal/utils/naming"
)

// Hooks receive progress from a run. Every hook may be nil.
type Hooks struct {
	OnProgress   func(downloads.DownloadProgress)
	OnQueue      func(taskqueue.QueueStatus)
	OnUnitDone   func(task *taskqueue.Task, summary downloads.Summary)
	OnProjectEnd func(report ProjectReport)
}

// Pipeline processes every input source with one fetcher and one merger
type Pipeline struct {
	opts    Options
	fetcher downloads.Fetcher
	merger  imagery.Merger
	hooks   Hooks
	cores   int // system cores, overridable in tests
}

// New validates opts and builds a pipeline
func New(opts Options, fetcher downloads.Fetcher, merger imagery.Merger, hooks Hooks) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, fmt.Errorf("pipeline needs a tile fetcher")
	}
	if merger == nil && opts.Format.Raster() {
		return nil, fmt.Errorf("%s output needs a mosaic backend", opts.Format.Ext)
	}
	return &Pipeline{
		opts:    opts,
		fetcher: fetcher,
		merger:  merger,
		hooks:   hooks,
		cores:   taskqueue.SystemCores(),
	}, nil
}

// ProjectReport summarises one input source
type ProjectReport struct {
	Input      string
	ProjectDir string
	Units      int
	Existing   int
	Outputs    []string
	Tiles      downloads.Summary
	Manifest   bool
	Duration   time.Duration
	Err        error
}

// Report summarises a run
type Report struct {
	Projects []ProjectReport
}

// Tiles sums the tile outcomes of every project
func (r *Report) Tiles() downloads.Summary {
	var s downloads.Summary
	for _, p := range r.Projects {
		s.Merge(p.Tiles)
	}
	return s
}

// Run processes every source. Unit failures do not stop a project; the
// returned error joins each project's error.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	sources, err := Sources(p.opts.Input, p.opts.OutputDir)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	var errs []error
	for _, src := range sources {
		pr := p.runSource(ctx, src)
		report.Projects = append(report.Projects, pr)
		if p.hooks.OnProjectEnd != nil {
			p.hooks.OnProjectEnd(pr)
		}
		if pr.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(src.Path), pr.Err))
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}
	return report, errors.Join(errs...)
}

// unit is one work unit of a project
type unit struct {
	id      int
	key     string
	stem    string // unique file stem for key
	fid     string
	tiles   []tile.Tile
	cutline orb.MultiPolygon
	bound   orb.Bound
}

// unitOutcome flows from the workers to the collector
type unitOutcome struct {
	id      int
	results []common.TileDownloadResult
	records []manifest.Record // already finished outputs
	summary downloads.Summary
	output  string
}

func (p *Pipeline) runSource(ctx context.Context, src Source) ProjectReport {
	start := time.Now()
	pr := ProjectReport{Input: src.Path, ProjectDir: src.ProjectDir}
	l := logging.Component("pipeline")

	raw, err := ReadFeatures(src.Path, p.opts.IDField)
	if err != nil {
		pr.Err = err
		return pr
	}
	if p.opts.Grouping == GroupByFeature {
		if raw, err = Dedupe(raw, p.opts.Duplicates); err != nil {
			pr.Err = err
			return pr
		}
	}
	features := CoverFeatures(raw, tile.CoverOptions{
		Zoom:         p.opts.Zoom,
		BufferMeters: p.opts.BufferMeters,
		RemoveHoles:  p.opts.RemoveHoles,
		Method:       p.opts.Method,
	})
	if err := os.MkdirAll(src.ProjectDir, 0755); err != nil {
		pr.Err = fmt.Errorf("create project folder: %w", err)
		return pr
	}

	units := p.plan(features)
	collector := manifest.NewCollector(p.opts.groupField())

	outcomes := make(chan unitOutcome)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for o := range outcomes {
			collector.Add(o.records...)
			collector.AddResults(o.id, o.results)
			pr.Tiles.Merge(o.summary)
			if o.output != "" {
				pr.Outputs = append(pr.Outputs, o.output)
			}
		}
	}()

	var pending []*unit
	for _, u := range units {
		if existing, ok := p.existingOutput(src.ProjectDir, u.stem); ok {
			outcomes <- unitOutcome{records: []manifest.Record{manifest.Existing(u.id, u.key, u.bound, existing)}}
			pr.Existing++
			continue
		}
		pending = append(pending, u)
	}
	pr.Units = len(units)

	cores, threads := taskqueue.Plan(len(pending), p.cores, p.opts.MaxCores, p.opts.MaxThreads, p.opts.threadsPerCore())
	l.Info().
		Str("input", filepath.Base(src.Path)).
		Int("features", len(features)).
		Int("units", len(pending)).
		Int("existing", pr.Existing).
		Int("cores", cores).
		Int("threads", threads).
		Msg("processing tiles")

	tasks := make([]*taskqueue.Task, len(pending))
	byID := make(map[string]*unit, len(pending))
	for i, u := range pending {
		tasks[i] = taskqueue.NewTask(u.key, len(u.tiles))
		byID[tasks[i].ID] = u
	}

	downloader := downloads.NewDownloader(p.fetcher, threads, p.hooks.OnProgress)
	runner := taskqueue.NewRunner(cores)

	var mu sync.Mutex
	summaries := make(map[string]downloads.Summary, len(tasks))
	done := 0
	runner.SetCallbacks(p.hooks.OnQueue, func(task *taskqueue.Task) {
		mu.Lock()
		s := summaries[task.ID]
		mu.Unlock()
		done++
		l.Info().
			Str("unit", task.Key).
			Str("status", string(task.Status)).
			Int("done", done).
			Int("total", len(tasks)).
			Int("ok", s.OK).
			Int("missing", s.NotFound).
			Int("failed", s.Failed).
			Msg("unit finished")
		if p.hooks.OnUnitDone != nil {
			p.hooks.OnUnitDone(task, s)
		}
	})

	runErr := runner.Run(ctx, tasks, func(ctx context.Context, task *taskqueue.Task) (string, error) {
		u := byID[task.ID]
		out, s, err := p.runUnit(ctx, downloader, src.ProjectDir, u, outcomes)
		mu.Lock()
		summaries[task.ID] = s
		mu.Unlock()
		return out, err
	})
	close(outcomes)
	<-collected

	if !p.opts.KeepTiles && p.opts.Format.Ext != "none" {
		os.RemoveAll(filepath.Join(src.ProjectDir, "tiles"))
	}

	if p.opts.Manifest && ctx.Err() == nil {
		written, err := collector.Write(src.ProjectDir)
		switch {
		case err != nil:
			runErr = errors.Join(runErr, fmt.Errorf("write manifest: %w", err))
		case !written:
			l.Warn().
				Str("input", filepath.Base(src.Path)).
				Msg("no imagery detected for the area of interest, check coverage")
		}
		pr.Manifest = written
	}

	pr.Duration = time.Since(start)
	pr.Err = runErr
	return pr
}

// plan turns covered features into work units
func (p *Pipeline) plan(features []Feature) []*unit {
	units := p.units(features)
	stems := naming.KeyStems(lo.Map(units, func(u *unit, _ int) string { return u.key }))
	for i, u := range units {
		u.stem = stems[i]
	}
	return units
}

func (p *Pipeline) units(features []Feature) []*unit {
	if p.opts.Grouping == GroupByFeature {
		return lo.Map(features, func(f Feature, _ int) *unit {
			return &unit{id: f.ID, key: f.FID, fid: f.FID, tiles: f.Tiles, cutline: f.Shape, bound: f.Shape.Bound()}
		})
	}

	var cutline orb.MultiPolygon
	covers := make([][]tile.Tile, 0, len(features))
	for _, f := range features {
		covers = append(covers, f.Tiles)
		cutline = append(cutline, f.Shape...)
	}
	groups := tile.GroupByQuadkey(tile.Union(covers...), p.opts.GroupZoom)
	return lo.Map(groups, func(g tile.Group, i int) *unit {
		b := g.Tiles[0].Bound()
		for _, t := range g.Tiles[1:] {
			b = b.Union(t.Bound())
		}
		return &unit{id: i, key: g.Key, tiles: g.Tiles, cutline: cutline, bound: b}
	})
}

// existingOutput finds a finished output from an earlier run
func (p *Pipeline) existingOutput(projectDir, stem string) (string, bool) {
	if !p.opts.Format.Raster() && !p.opts.Format.Archive() {
		return "", false
	}
	path := filepath.Join(projectDir, naming.OutputFilename(stem, p.opts.Format.Ext))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// runUnit downloads one unit and turns its tiles into the configured output
func (p *Pipeline) runUnit(ctx context.Context, d *downloads.Downloader, projectDir string, u *unit, outcomes chan<- unitOutcome) (string, downloads.Summary, error) {
	tilesDir := filepath.Join(projectDir, naming.GenerateTilesDirName(u.stem))
	scratchDir := filepath.Join(projectDir, naming.GenerateScratchDirName(u.stem))
	if err := downloads.ValidateOutputPath(projectDir, tilesDir); err != nil {
		return "", downloads.Summary{}, err
	}

	results, summary, err := d.Download(ctx, downloads.Unit{Key: u.key, FID: u.fid, Tiles: u.tiles, Dir: tilesDir})
	if err != nil {
		return "", summary, err
	}

	outcome := unitOutcome{id: u.id, results: results, summary: summary}
	defer func() { outcomes <- outcome }()

	if err := ctx.Err(); err != nil {
		return "", summary, err
	}
	if !p.opts.KeepTiles && p.opts.Format.Ext != "none" {
		defer os.RemoveAll(scratchDir)
		defer os.RemoveAll(tilesDir)
	}

	out, err := p.produce(ctx, u, results, summary, projectDir, tilesDir, scratchDir)
	outcome.output = out
	return out, summary, err
}

func (p *Pipeline) produce(ctx context.Context, u *unit, results []common.TileDownloadResult, summary downloads.Summary, projectDir, tilesDir, scratchDir string) (string, error) {
	l := logging.Component("pipeline")
	if summary.OK == 0 {
		l.Warn().Str("unit", u.key).Int("tiles", len(u.tiles)).Msg("no imagery downloaded for unit")
		return "", nil
	}

	switch {
	case p.opts.Format.Archive():
		if _, err := imagery.Georeference(results, true); err != nil {
			return "", fmt.Errorf("georeference tiles of %s: %w", u.key, err)
		}
		out := filepath.Join(projectDir, naming.OutputFilename(u.stem, "zip"))
		if err := imagery.ZipDir(tilesDir, out); err != nil {
			return "", fmt.Errorf("zip tiles of %s: %w", u.key, err)
		}
		return out, nil

	case !p.opts.Format.Raster():
		return "", nil
	}

	req := imagery.MergeRequest{
		Key:         u.stem,
		Tiles:       lo.Filter(results, func(r common.TileDownloadResult, _ int) bool { return r.Succeeded() }),
		Cutline:     u.cutline,
		Mode:        p.opts.Mode,
		Format:      p.opts.Format,
		Compression: p.opts.Compression,
		Quality:     p.opts.Quality,
		EPSG:        p.opts.EPSG,
		OutputDir:   projectDir,
		ScratchDir:  scratchDir,
	}
	out, err := p.merger.Merge(ctx, req)
	if err != nil {
		return "", fmt.Errorf("merge %s: %w", u.key, err)
	}
	return out, nil
}
