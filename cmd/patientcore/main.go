// Command patientcore serves the patient record API and offers read-only
// inspection commands over the configured store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"patientcore/internal/config"
	"patientcore/internal/core"
)

var (
	version = "0.1.0"
	commit  = "dev"

	exitFunc = os.Exit
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		exitFunc(1)
	}
}

type rootOptions struct {
	configPath    string
	storageDriver string
	filePath      string
	logLevel      string
	logFormat     string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "patientcore",
		Short:         "Patient record service with BMI verdicts and LLM-backed queries",
		SilenceUsage:  true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML config file (default $"+config.ConfigPathEnv+")")
	flags.StringVar(&opts.storageDriver, "storage-driver", "", "snapshot store: file, memory, sqlite, postgres, badger or blob")
	flags.StringVar(&opts.filePath, "file", "", "snapshot file for the file driver")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "text, json or logfmt")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "patientcore v%s (%s)\n", version, commit)
		},
	})
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newViewCmd(opts))
	rootCmd.AddCommand(newSortCmd(opts))
	return rootCmd
}

// loadConfig applies explicitly set flags over file and environment values.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("storage-driver") {
		cfg.Storage.Driver = core.StorageDriver(o.storageDriver)
	}
	if flags.Changed("file") {
		cfg.Storage.FilePath = o.filePath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("addr") {
		cfg.Server.Addr, _ = flags.GetString("addr")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newViewCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Print the current snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *core.Service) error {
				data, err := svc.Snapshot(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			})
		},
	}
}

func newSortCmd(opts *rootOptions) *cobra.Command {
	var by, order string
	cmd := &cobra.Command{
		Use:   "sort",
		Short: "Print patients ordered by height, weight or bmi",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *core.Service) error {
				sorted, err := svc.Sort(ctx, by, order)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sorted)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", core.SortByBMI, "sort field: height, weight or bmi")
	cmd.Flags().StringVar(&order, "order", core.OrderAsc, "asc or desc")
	return cmd
}

func withService(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *core.Service) error) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := buildApp(ctx, cfg, logger, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(ctx, app.service)
}
