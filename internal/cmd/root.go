// Package cmd provides the command-line interface for catalogferry.
// It handles command parsing, configuration loading, and stage execution.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/catalogferry/internal/config"
	"github.com/masahif/catalogferry/internal/logging"
)

const envPrefix = "CF"

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "catalogferry",
	Short: "Staged catalog migration: discover, process, validate",
	Long: `catalogferry migrates a remote catalog into import-ready files.

Each stage runs as its own process and hands off to the next through
signal files in the shared root directory:

  discover   walk the index pages and record every item
  process    fetch item details and media, write one artifact per item
  validate   score the artifacts and generate the import bundle`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext is Execute with a context that stage runs observe for
// cancellation
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./catalogferry.yml)")
	flags.Bool("show-config", false, "Display current configuration in YAML format and exit")
	flags.String("root", "./ferry-data", "Shared root directory for the store, artifacts and signals")
	flags.StringP("database", "d", "", "Path to the SQLite progress store (default <root>/scraping_progress.db)")
	flags.String("base-url", "", "Source catalog base URL")
	flags.StringSliceP("header", "H", []string{}, "Static HTTP headers in 'Name: Value' format (repeatable)")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "json", "Log format: json, text, or auto")
	flags.String("log-file", "", "Also write logs to this file, rotated by size")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address during a stage run")

	bindFlags(flags, []flagBinding{
		{"root_dir", "root"},
		{"database_path", "database"},
		{"source.base_url", "base-url"},
		{"source.headers", "header"},
		{"log.level", "log-level"},
		{"log.format", "log-format"},
		{"log.file", "log-file"},
		{"metrics_addr", "metrics-addr"},
	})

	rootCmd.AddCommand(discoverCmd, processCmd, validateCmd, statusCmd, resetCmd)
}

type flagBinding struct {
	viperKey string
	flagName string
}

func bindFlags(flags *pflag.FlagSet, bindings []flagBinding) {
	for _, bind := range bindings {
		if err := viper.BindPFlag(bind.viperKey, flags.Lookup(bind.flagName)); err != nil {
			// Non-critical: the key still resolves from env, file and defaults
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("catalogferry")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// Unmarshal only sees keys viper knows about, so register every key
	// for environment lookup
	for _, key := range config.Keys() {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig merges defaults, config file, environment and flags
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Source.UserAgent == "catalogferry/1.0" && version != "" && version != "dev" {
		cfg.Source.UserAgent = "catalogferry/" + version
	}
	return cfg, nil
}

// setupLogging installs the default slog logger. Logs go to stderr so
// stdout stays clean for command output.
func setupLogging(cfg *config.Config) (io.Closer, error) {
	return logging.SetDefault(logging.Config{
		Level:      logging.ParseLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		FilePath:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Console:    true,
		Stdout:     os.Stderr,
	})
}

func runRoot(cmd *cobra.Command, args []string) error {
	if showConfig, _ := cmd.Flags().GetBool("show-config"); showConfig {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return showCurrentConfig(cmd.OutOrStdout(), cfg)
	}
	return cmd.Help()
}

func showCurrentConfig(w io.Writer, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Fprintf(w, "# Current catalogferry configuration\n")
	fmt.Fprintf(w, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "# Configuration file search paths: ./catalogferry.yml\n")
	fmt.Fprintf(w, "# Environment variables prefix: %s_\n\n", envPrefix)

	fmt.Fprint(w, string(yamlData))

	fmt.Fprintf(w, "\n# Configuration source priority:\n")
	fmt.Fprintf(w, "# 1. Command-line arguments (highest priority)\n")
	fmt.Fprintf(w, "# 2. Environment variables (%s_ prefix)\n", envPrefix)
	fmt.Fprintf(w, "# 3. Configuration file (catalogferry.yml)\n")
	fmt.Fprintf(w, "# 4. Default values (lowest priority)\n")

	return nil
}
