// Package cli provides the cobra command tree for serverseeker: running the
// crawler, inspecting the server index and maintaining the database.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/serverseeker/internal/config"
	"github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/logging"
	"github.com/anstrom/serverseeker/internal/scanning"
)

const (
	envPrefix         = "SERVERSEEKER"
	defaultConfigFile = "config.yaml"
)

var (
	cfgFile  string
	verbose  bool
	modeFlag scanning.Mode
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "serverseeker",
	Short: "Internet-wide game server crawler",
	Long: `serverseeker sweeps the configured address space for game servers that
answer the status protocol, decodes their status replies and keeps an index
of them in PostgreSQL. Rescan mode re-verifies servers that are already
known.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.Var(&modeFlag, "mode", "sweep mode: discovery or rescan (overrides scanner.mode)")
	flags.String("log-level", "", "log level: debug, info, warn, error (overrides logging.level)")

	bindFlag("scanner.mode", "mode")
	bindFlag("logging.level", "log-level")
	bindFlag("verbose", "verbose")
}

func bindFlag(key, name string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", name, err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/serverseeker")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// getConfigFilePath returns the file config.Load should read.
func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return defaultConfigFile
}

// loadConfig loads the config file and applies flag and SERVERSEEKER_*
// environment overrides on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides copies the keys viper knows about from flags or the
// environment. Only keys that are explicitly set replace file values.
func applyOverrides(cfg *config.Config) error {
	if viper.IsSet("scanner.mode") {
		mode, err := scanning.ParseMode(viper.GetString("scanner.mode"))
		if err != nil {
			return errors.WrapConfigError(errors.CodeConfiguration, "invalid mode override", err)
		}
		cfg.Scanner.Mode = mode
	}
	if viper.IsSet("scanner.concurrency") {
		cfg.Scanner.Concurrency = viper.GetInt("scanner.concurrency")
	}
	if viper.IsSet("scanner.rate_limit") {
		cfg.Scanner.RateLimit = viper.GetFloat64("scanner.rate_limit")
	}
	if viper.IsSet("scanner.repeat") {
		cfg.Scanner.Repeat = viper.GetBool("scanner.repeat")
	}
	if viper.IsSet("database.url") {
		cfg.Database.URL = viper.GetString("database.url")
	}
	if viper.IsSet("metrics.enabled") {
		cfg.Metrics.Enabled = viper.GetBool("metrics.enabled")
	}
	if level := viper.GetString("logging.level"); viper.IsSet("logging.level") && level != "" {
		cfg.Logging.Level = level
	}
	return nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := loadConfig()
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Info("Structured logging initialized", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	}
}
