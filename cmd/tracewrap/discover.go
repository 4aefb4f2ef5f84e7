package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/andrewh/tracewrap/pkg/gen"
	"github.com/jedib0t/go-pretty/v6/table"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// discovered is the printable form of one descriptor.
type discovered struct {
	Type       string   `json:"type" yaml:"type"`
	Component  string   `json:"component" yaml:"component"`
	Capability string   `json:"capability" yaml:"capability"`
	File       string   `json:"file" yaml:"file"`
	Operations []string `json:"operations" yaml:"operations"`
}

type discoverOutput struct {
	Pipelines   []discovered     `json:"pipelines" yaml:"pipelines"`
	Diagnostics []gen.Diagnostic `json:"diagnostics" yaml:"diagnostics"`
}

func discoverCmd(g *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "discover [packages]",
		Short: "List marked adapter types and diagnostics without writing files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd, generateBindings)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				args = []string{"./..."}
			}
			pkgs, loadDiags, err := gen.Load(cmd.Context(), gen.LoadOptions{
				Dir:        g.dir,
				BuildTags:  cfg.Generate.BuildTags,
				Tests:      cfg.Generate.Tests,
				FileSuffix: cfg.Generate.FileSuffix,
			}, args...)
			if err != nil {
				return err
			}
			synth := gen.NewSynthesizer(gen.WithTypeSuffix(cfg.Generate.TypeSuffix), gen.WithFileSuffix(cfg.Generate.FileSuffix))
			descs, diags := gen.Discover(pkgs, gen.DiscoverOptions{TypeSuffix: cfg.Generate.TypeSuffix})

			out := discoverOutput{Diagnostics: append(loadDiags, diags...), Pipelines: []discovered{}}
			for _, d := range descs {
				ops := make([]string, len(d.Operations))
				for i, op := range d.Operations {
					ops[i] = op.Name + " (" + string(op.Shape) + ")"
				}
				out.Pipelines = append(out.Pipelines, discovered{
					Type:       d.Key(),
					Component:  d.Component,
					Capability: d.Capability,
					File:       relPath(g.dir, filepath.Join(d.Dir, synth.FileName(d))),
					Operations: ops,
				})
			}
			if out.Diagnostics == nil {
				out.Diagnostics = []gen.Diagnostic{}
			}
			return writeDiscovered(cmd.OutOrStdout(), format, out)
		},
	}
	addGenerateFlags(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, json, or yaml")
	return cmd
}

func writeDiscovered(w io.Writer, format string, out discoverOutput) error {
	switch format {
	case "json":
		b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"Type", "Component", "Capability", "File", "Operations"})
		for _, p := range out.Pipelines {
			tw.AppendRow(table.Row{p.Type, p.Component, p.Capability, p.File, strings.Join(p.Operations, "\n")})
		}
		tw.Render()
		for _, d := range out.Diagnostics {
			_, _ = fmt.Fprintln(w, d.String())
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q, valid formats: table, json, yaml", format)
	}
}
