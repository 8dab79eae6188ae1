package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rescale/stagexfer/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stagexfer configuration",
		Long: `Configuration management commands for stagexfer.

Commands:
  init  - Write a configuration file with default values
  show  - Display the effective configuration
  path  - Show configuration file path

Every setting can be overridden with a ` + config.EnvPrefix + `_<NAME> environment
variable, e.g. ` + config.EnvPrefix + `_PARALLEL=8.`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())
	return configCmd
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the current settings",
		Long: `Write the effective configuration (defaults plus environment overrides)
to the configuration file. Use --force to overwrite an existing file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Configuration already exists at: %s\n", path)
					fmt.Fprintln(cmd.OutOrStdout(), "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			if err := config.SaveTransferConfig(GetTransferConfig(), path); err != nil {
				return err
			}
			GetLogger().Debug().Str("path", path).Msg("configuration written")
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetTransferConfig()
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "[transfer]")
			fmt.Fprintf(out, "  parallel           = %d\n", cfg.Parallel)
			fmt.Fprintf(out, "  upload_threshold   = %d\n", cfg.UploadThreshold)
			fmt.Fprintf(out, "  upload_part_size   = %d\n", cfg.UploadPartSize)
			fmt.Fprintf(out, "  download_threshold = %d\n", cfg.DownloadThreshold)
			fmt.Fprintf(out, "  download_part_size = %d\n", cfg.DownloadPartSize)
			fmt.Fprintf(out, "  max_file_retries   = %d\n", cfg.MaxFileRetries)
			fmt.Fprintf(out, "  max_bandwidth_mbps = %g\n", cfg.MaxBandwidthMbps)

			proxy, err := config.ResolveProxy(cfg)
			if err != nil {
				return err
			}
			caBundle := config.ResolveCABundleFile(cfg)
			if caBundle == "" {
				caBundle = "(system roots)"
			}

			fmt.Fprintln(out, "[network]")
			fmt.Fprintf(out, "  ca_bundle_file     = %s\n", caBundle)
			fmt.Fprintf(out, "  log_directory      = %s\n", config.LogDirectory())
			fmt.Fprintf(out, "  proxy_mode         = %s\n", proxy.Mode)
			if proxy.Host != "" {
				fmt.Fprintf(out, "  proxy              = %s:%d\n", proxy.Host, proxy.Port)
			}
			if proxy.User != "" {
				password := "(not set)"
				if proxy.Password != "" {
					password = "********"
				}
				fmt.Fprintf(out, "  proxy_user         = %s (password %s)\n", proxy.User, password)
			}
			if proxy.NoProxy != "" {
				fmt.Fprintf(out, "  no_proxy           = %s\n", proxy.NoProxy)
			}
			return nil
		},
	}
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
