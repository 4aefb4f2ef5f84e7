// Pipeline generator for tracewrap adapters
// Discovers //tracewrap:generate types and writes their traced decorators
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/andrewh/tracewrap/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	dir        string
	verbose    bool
}

func rootCmd() *cobra.Command {
	var g globalOptions

	root := &cobra.Command{
		Use:          "tracewrap",
		Short:        "Generate traced pipelines for adapter types",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "configuration file (default: "+config.FileName+" in --dir, if present)")
	root.PersistentFlags().StringVar(&g.dir, "dir", ".", "directory packages are resolved from")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log every file considered")

	root.AddCommand(generateCmd(&g))
	root.AddCommand(checkCmd(&g))
	root.AddCommand(discoverCmd(&g))
	root.AddCommand(traceCmd())
	root.AddCommand(statusCmd(&g))
	root.AddCommand(versionCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tracewrap %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

// loadConfig merges the configuration file, environment, and the flags of
// cmd named in bindings (config key to flag name).
func (g *globalOptions) loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	flags := make(map[string]*pflag.Flag, len(bindings))
	for key, name := range bindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			flags[key] = f
		}
	}
	return config.Load(g.configPath, g.dir, flags)
}

// newLogger writes human-readable logs to w. Without verbose only warnings
// and errors are shown.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}
