// Command decodepool decodes framed byte streams with a pool of decode units
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jzx17/decodepool/internal/logging"
	"github.com/jzx17/decodepool/pkg/config"
)

var version = "0.1.0"

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath  string
	logLevel    string
	logEncoding string
	development bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "decodepool",
		Short:         "Decode framed byte streams with a self-healing pool of decode units",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logEncoding, "log-encoding", "", "Log encoding (console, json)")
	root.PersistentFlags().BoolVar(&g.development, "log-development", false, "Development logging with stack traces")

	root.AddCommand(
		newDecodeCommand(g),
		newUnitCommand(g),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "decodepool v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// load reads the configuration file, if any, and builds the logger.
// Logging flags override the file's log section.
func (g *globalFlags) load(cmd *cobra.Command) (config.File, *zap.Logger, error) {
	file := config.DefaultFile()
	if g.configPath != "" {
		var err error
		if file, err = config.Load(g.configPath); err != nil {
			return config.File{}, nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		file.Log.Level = g.logLevel
	}
	if flags.Changed("log-encoding") {
		file.Log.Encoding = g.logEncoding
	}
	if flags.Changed("log-development") {
		file.Log.Development = g.development
	}

	logger, err := logging.New(logging.Config{
		Level:       file.Log.Level,
		Encoding:    file.Log.Encoding,
		Development: file.Log.Development,
	})
	if err != nil {
		return config.File{}, nil, err
	}
	return file, logger, nil
}
