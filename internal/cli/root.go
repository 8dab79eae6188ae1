// Package cli provides the command-line interface for stagexfer.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/stagexfer/internal/config"
	"github.com/rescale/stagexfer/internal/fips"
	"github.com/rescale/stagexfer/internal/logging"
	"github.com/rescale/stagexfer/internal/metrics"
	"github.com/rescale/stagexfer/internal/version"
)

var (
	// Global flags
	cfgFile     string
	verbose     bool
	debug       bool
	quiet       bool
	logFile     string
	parallel    int
	metricsFile string
	caBundle    string
	proxyURL    string

	// Global logger
	logger *logging.Logger

	// Loaded transfer configuration with flag overrides applied
	transferCfg *config.TransferConfig

	// Collectors for the current command, written to --metrics-file on exit
	cmdMetrics *metrics.Metrics

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// --log-file value that selects config.DefaultLogFile
const defaultLogFileValue = "default"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stagexfer",
		Short: "Encrypted parallel transfers to and from cloud stages",
		Long: `stagexfer ` + version.Version + ` - Built: ` + version.BuildTime + ` ` + fips.Status() + `
Uploads and downloads files to S3, Azure Blob, GCS and local stages.

Files are encrypted client-side with a per-file key wrapped by the stage
master key (AES-CBC content, AES-ECB key wrap). Large files are split into
parts that are transferred in parallel.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logFile == defaultLogFileValue {
				if err := config.EnsureLogDirectory(); err != nil {
					return fmt.Errorf("failed to create log directory: %w", err)
				}
				logFile = config.DefaultLogFile()
			}
			logger = logging.NewLogger(logging.Options{LogFile: logFile})
			switch {
			case verbose || debug:
				logging.SetGlobalLevel(zerolog.DebugLevel)
			case quiet:
				logging.SetGlobalLevel(zerolog.WarnLevel)
			default:
				logging.SetGlobalLevel(zerolog.InfoLevel)
			}

			if caBundle != "" {
				config.SetGlobalAttribute(config.AttrCABundleFile, caBundle)
			}
			if proxyURL != "" {
				config.SetGlobalAttribute(config.AttrProxyURL, proxyURL)
			}

			cfg, err := config.LoadTransferConfig(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("parallel") {
				cfg.Parallel = parallel
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			transferCfg = cfg

			cmdMetrics = nil
			if metricsFile != "" {
				cmdMetrics = metrics.New("")
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only print warnings, errors and the summary")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this file (rotated); \""+defaultLogFileValue+"\" uses the per-user log directory")
	rootCmd.PersistentFlags().IntVarP(&parallel, "parallel", "p", 0, "Part workers per stage client (1-32, capped at CPU count)")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics in text format to this file on exit")

	rootCmd.PersistentFlags().StringVar(&caBundle, "ca-bundle", "", "PEM CA bundle for TLS verification (overrides "+config.CABundleEnvVar+")")
	rootCmd.PersistentFlags().StringVar(&proxyURL, "proxy-url", "", "HTTP proxy URL used when the config selects no explicit proxy")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ") " + fips.Status()
	return rootCmd
}

// finish writes the metrics textfile and closes the log file. It runs after
// every command, including failed ones.
func finish() error {
	var err error
	if cmdMetrics != nil && metricsFile != "" {
		if werr := cmdMetrics.WriteTextfile(metricsFile); werr != nil {
			err = fmt.Errorf("failed to write metrics file: %w", werr)
		}
	}
	if logger != nil {
		_ = logger.Close()
	}
	return err
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Loop so that repeated Ctrl+C does not block the sender
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\n\nReceived signal %v, cancelling transfers...\n", sig)
				fmt.Fprintf(os.Stderr, "   Please wait for in-flight parts to finish.\n\n")
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()
	if ferr := finish(); err == nil {
		err = ferr
	}

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newStatCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the global CLI context with signal handling.
// This context will be cancelled when the user presses Ctrl+C.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

// GetTransferConfig returns the configuration loaded for the running command.
func GetTransferConfig() *config.TransferConfig {
	if transferCfg == nil {
		transferCfg = config.NewTransferConfig()
	}
	return transferCfg
}
