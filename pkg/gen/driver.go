package gen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"go.uber.org/zap"
)

// Report summarizes one generation run. Paths are sorted.
type Report struct {
	Descriptors []Descriptor
	Generated   []string
	Unchanged   []string
	Removed     []string
	Diagnostics []Diagnostic
}

// Stale reports whether the run changed, or would change, any file.
func (r *Report) Stale() bool {
	return len(r.Generated) > 0 || len(r.Removed) > 0
}

// Driver runs discovery and synthesis and keeps a sink in sync with the result.
type Driver struct {
	synth  *Synthesizer
	sink   Sink
	cache  Cache
	logger *zap.Logger
	dryRun bool
	// trusted is set for an explicit cache such as the ledger; a fingerprint
	// hit then skips synthesis outside dry runs.
	trusted bool
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithSynthesizer sets the synthesizer.
func WithSynthesizer(s *Synthesizer) DriverOption {
	return func(d *Driver) { d.synth = s }
}

// WithSink sets where generated files go. Defaults to the file system.
func WithSink(s Sink) DriverOption {
	return func(d *Driver) { d.sink = s }
}

// WithCache sets the fingerprint cache. Defaults to reading file headers.
// Outside dry runs a matching fingerprint from c is taken on trust; without
// it every existing file is compared byte for byte with fresh output.
func WithCache(c Cache) DriverOption {
	return func(d *Driver) {
		d.cache = c
		d.trusted = c != nil
	}
}

// WithDriverLogger sets the logger.
func WithDriverLogger(l *zap.Logger) DriverOption {
	return func(d *Driver) { d.logger = l }
}

// WithDryRun reports what would change without touching the sink or cache.
func WithDryRun(dryRun bool) DriverOption {
	return func(d *Driver) { d.dryRun = dryRun }
}

// NewDriver creates a Driver.
func NewDriver(opts ...DriverOption) *Driver {
	d := &Driver{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if d.synth == nil {
		d.synth = NewSynthesizer()
	}
	if d.sink == nil {
		d.sink = DirSink{}
	}
	if d.cache == nil {
		d.cache = HeaderCache{Sink: d.sink}
	}
	return d
}

// Run discovers adapters in pkgs and emits a pipeline for each descriptor
// whose fingerprint changed. Generated files in the scanned packages that no
// longer match a descriptor are removed, except in packages with errors.
func (d *Driver) Run(ctx context.Context, pkgs []*Package) (*Report, error) {
	descs, diags := Discover(pkgs, DiscoverOptions{TypeSuffix: d.synth.TypeSuffix()})
	report := &Report{Descriptors: descs, Diagnostics: diags}

	broken := map[string]bool{}
	for _, diag := range diags {
		if diag.Severity == SeverityError {
			broken[diag.Package] = true
		}
	}

	produced := map[string]bool{}
	for _, desc := range descs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		path := filepath.Join(desc.Dir, d.synth.FileName(desc))
		produced[path] = true

		changed, err := d.emit(ctx, desc, path)
		if err != nil {
			return report, err
		}
		if changed {
			report.Generated = append(report.Generated, path)
		} else {
			report.Unchanged = append(report.Unchanged, path)
		}
	}

	for _, pkg := range pkgs {
		if broken[pkg.Path] || pkg.Dir == "" {
			continue
		}
		removed, err := d.prune(ctx, pkg.Dir, produced)
		if err != nil {
			return report, err
		}
		report.Removed = append(report.Removed, removed...)
	}

	slices.Sort(report.Generated)
	slices.Sort(report.Unchanged)
	slices.Sort(report.Removed)
	report.Removed = slices.Compact(report.Removed)
	return report, nil
}

func (d *Driver) emit(ctx context.Context, desc Descriptor, path string) (bool, error) {
	fp, err := d.synth.Fingerprint(desc)
	if err != nil {
		return false, err
	}
	cached, ok, err := d.cache.Lookup(ctx, path)
	if err != nil {
		return false, fmt.Errorf("cache lookup %s: %w", path, err)
	}
	var existing []byte
	if ok && cached == fp {
		existing, err = d.sink.Read(path)
		switch {
		case err == nil:
			if d.trusted && !d.dryRun {
				d.logger.Debug("pipeline unchanged", zap.String("type", desc.Key()), zap.String("file", path))
				return false, nil
			}
		case errors.Is(err, fs.ErrNotExist):
			existing = nil
		default:
			return false, err
		}
	}

	src, err := d.synth.Synthesize(desc)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if bytes.Equal(existing, src) {
			d.logger.Debug("pipeline unchanged", zap.String("type", desc.Key()), zap.String("file", path))
			return false, nil
		}
		d.logger.Warn("generated file was edited", zap.String("type", desc.Key()), zap.String("file", path))
	}
	if d.dryRun {
		d.logger.Info("pipeline out of date", zap.String("type", desc.Key()), zap.String("file", path))
		return true, nil
	}
	if err := d.sink.Emit(path, src); err != nil {
		return false, err
	}
	if err := d.cache.Store(ctx, path, fp); err != nil {
		return false, fmt.Errorf("cache store %s: %w", path, err)
	}
	d.logger.Info("pipeline generated",
		zap.String("type", desc.Key()),
		zap.String("file", path),
		zap.Int("operations", len(desc.Operations)),
	)
	return true, nil
}

func (d *Driver) prune(ctx context.Context, dir string, produced map[string]bool) ([]string, error) {
	paths, err := d.sink.List(dir, d.synth.FileSuffix())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var removed []string
	for _, path := range paths {
		if produced[path] {
			continue
		}
		src, err := d.sink.Read(path)
		if err != nil {
			return nil, err
		}
		if !IsGenerated(src) {
			continue
		}
		removed = append(removed, path)
		if d.dryRun {
			d.logger.Info("stale pipeline", zap.String("file", path))
			continue
		}
		if err := d.sink.Remove(path); err != nil {
			return nil, fmt.Errorf("remove %s: %w", path, err)
		}
		if err := d.cache.Forget(ctx, path); err != nil {
			return nil, fmt.Errorf("cache forget %s: %w", path, err)
		}
		d.logger.Info("stale pipeline removed", zap.String("file", path))
	}
	return removed, nil
}
