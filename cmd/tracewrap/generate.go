package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/andrewh/tracewrap/pkg/config"
	"github.com/andrewh/tracewrap/pkg/gen"
	"github.com/andrewh/tracewrap/pkg/gen/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// generateBindings maps configuration keys to the flags that override them.
var generateBindings = map[string]string{
	"generate.type_suffix": "type-suffix",
	"generate.file_suffix": "file-suffix",
	"generate.build_tags":  "tags",
	"generate.tests":       "tests",
	"generate.cache_db":    "cache-db",
}

func addGenerateFlags(cmd *cobra.Command) {
	cmd.Flags().String("type-suffix", "Pipeline", "suffix of generated type names")
	cmd.Flags().String("file-suffix", "_pipeline.gen.go", "suffix of generated file names")
	cmd.Flags().StringSlice("tags", nil, "build tags used when loading packages")
	cmd.Flags().Bool("tests", false, "also scan _test.go files")
	cmd.Flags().String("cache-db", "", "SQLite ledger recording fingerprints and runs")
}

func generateCmd(g *globalOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "generate [packages]",
		Short: "Write pipelines for marked adapter types",
		Long: "Write a pipeline for every type marked //tracewrap:generate in the given packages\n" +
			"(default ./...). Files whose fingerprint is unchanged are left alone and\n" +
			"generated files that no longer match a marked type are removed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd, generateBindings)
			if err != nil {
				return err
			}
			report, err := runGenerate(cmd.Context(), cmd.ErrOrStderr(), g, cfg, dryRun, args)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			verb := "generated"
			if dryRun {
				verb = "would generate"
			}
			for _, path := range report.Generated {
				_, _ = fmt.Fprintf(w, "%s %s\n", verb, relPath(g.dir, path))
			}
			for _, path := range report.Removed {
				_, _ = fmt.Fprintf(w, "removed %s\n", relPath(g.dir, path))
			}
			_, _ = fmt.Fprintf(w, "%d %s, %d unchanged, %d removed\n",
				len(report.Generated), plural(len(report.Generated), "pipeline"), len(report.Unchanged), len(report.Removed))
			return diagnosticsError(report.Diagnostics)
		},
	}
	addGenerateFlags(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without writing files")
	return cmd
}

func checkCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [packages]",
		Short: "Fail if any generated pipeline is missing, stale, or orphaned",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd, generateBindings)
			if err != nil {
				return err
			}
			// The ledger only speeds up generate; check always compares file headers.
			cfg.Generate.CacheDB = ""
			report, err := runGenerate(cmd.Context(), cmd.ErrOrStderr(), g, cfg, true, args)
			if err != nil {
				return err
			}
			if err := diagnosticsError(report.Diagnostics); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !report.Stale() {
				_, _ = fmt.Fprintf(w, "%d %s up to date\n", len(report.Unchanged), plural(len(report.Unchanged), "pipeline"))
				return nil
			}
			for _, path := range report.Generated {
				_, _ = fmt.Fprintf(w, "stale   %s\n", relPath(g.dir, path))
			}
			for _, path := range report.Removed {
				_, _ = fmt.Fprintf(w, "orphan  %s\n", relPath(g.dir, path))
			}
			return fmt.Errorf("%d generated %s out of date; run tracewrap generate",
				len(report.Generated)+len(report.Removed), plural(len(report.Generated)+len(report.Removed), "file"))
		},
	}
	addGenerateFlags(cmd)
	return cmd
}

// runGenerate loads packages and runs the driver. Diagnostics from loading
// and discovery are logged to errw and returned in the report.
func runGenerate(ctx context.Context, errw io.Writer, g *globalOptions, cfg *config.Config, dryRun bool, patterns []string) (*gen.Report, error) {
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}
	logger := newLogger(errw, g.verbose)
	defer func() { _ = logger.Sync() }()
	started := time.Now()

	pkgs, loadDiags, err := gen.Load(ctx, gen.LoadOptions{
		Dir:        g.dir,
		BuildTags:  cfg.Generate.BuildTags,
		Tests:      cfg.Generate.Tests,
		FileSuffix: cfg.Generate.FileSuffix,
	}, patterns...)
	if err != nil {
		return nil, err
	}

	synth := gen.NewSynthesizer(gen.WithTypeSuffix(cfg.Generate.TypeSuffix), gen.WithFileSuffix(cfg.Generate.FileSuffix))
	opts := []gen.DriverOption{
		gen.WithSynthesizer(synth),
		gen.WithDriverLogger(logger),
		gen.WithDryRun(dryRun),
	}

	var led *ledger.Ledger
	if cfg.Generate.CacheDB != "" {
		led, err = ledger.Open(ctx, cfg.Generate.CacheDB)
		if err != nil {
			return nil, err
		}
		defer led.Close()
		opts = append(opts, gen.WithCache(led))
	}

	report, err := gen.NewDriver(opts...).Run(ctx, pkgs)
	if report != nil {
		report.Diagnostics = append(loadDiags, report.Diagnostics...)
		for _, d := range report.Diagnostics {
			logDiagnostic(logger, d)
		}
	}
	if err != nil {
		return report, err
	}

	if led != nil && !dryRun {
		if err := led.RecordRun(ctx, started, report); err != nil {
			logger.Warn("recording run failed", zap.Error(err))
		}
	}
	return report, nil
}

func logDiagnostic(logger *zap.Logger, d gen.Diagnostic) {
	fields := []zap.Field{zap.String("code", d.Code), zap.String("pos", d.Pos.String())}
	if d.Type != "" {
		fields = append(fields, zap.String("type", d.Type))
	}
	if d.Severity == gen.SeverityError {
		logger.Error(d.Message, fields...)
		return
	}
	logger.Warn(d.Message, fields...)
}

func diagnosticsError(diags []gen.Diagnostic) error {
	var errs []error
	for _, d := range diags {
		if d.Severity == gen.SeverityError {
			errs = append(errs, errors.New(d.String()))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d %s:\n%w", len(errs), plural(len(errs), "error"), errors.Join(errs...))
}

func relPath(dir, path string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return path
	}
	if rel, err := filepath.Rel(abs, path); err == nil {
		return rel
	}
	return path
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
