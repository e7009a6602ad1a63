package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/config"
	"github.com/dl-alexandre/cloudstream/internal/engine"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/service"
	"github.com/dl-alexandre/cloudstream/internal/supervisor"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
	"github.com/dl-alexandre/cloudstream/pkg/version"
	"github.com/spf13/cobra"
)

const engineVersionTimeout = 5 * time.Second

var (
	globalFlags types.GlobalFlags
	logger      logging.Logger = logging.NewNoOpLogger()
	appConfig   *config.Config
	configErr   error
	httpDebug   *logging.DebugTransport
)

var rootCmd = &cobra.Command{
	Use:   "cloudstream",
	Short: "Stream media from cloud storage accounts",
	Long: `cloudstream browses and streams media stored in cloud storage accounts
(Google Drive, OneDrive, Dropbox and others) through a local sync engine.

Remotes are authorized once, directory listings are cached locally, and
playback URLs are served from a single local streaming process.

All commands support JSON output for automation and scripting.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		appConfig, configErr = loadConfig()
		if err := validateGlobalFlags(); err != nil {
			return err
		}

		logConfig := logging.LogConfig{
			Level:           logging.INFO,
			OutputFile:      globalFlags.LogFile,
			EnableConsole:   !globalFlags.Quiet,
			EnableDebug:     globalFlags.Debug,
			RedactSensitive: true,
			EnableColor:     true,
			EnableTimestamp: true,
		}
		if appConfig != nil {
			logConfig.EnableColor = appConfig.ColorOutput
			logConfig.Level = logging.ParseLevel(appConfig.LogLevel)
			switch appConfig.LogLevel {
			case "quiet":
				logConfig.EnableConsole = false
			case "debug":
				logConfig.EnableDebug = true
			}
		}
		if globalFlags.Verbose {
			logConfig.Level = logging.DEBUG
		}
		if globalFlags.OutputFormat == types.OutputFormatJSON && !globalFlags.Verbose && !globalFlags.Debug {
			logConfig.EnableConsole = false
		}

		var err error
		logger, httpDebug, err = logging.NewDebugLoggerWithTransport(logConfig)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "Print the version number of cloudstream",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		info.Engine = engineVersion(cmd.Context())
		if globalFlags.OutputFormat == types.OutputFormatJSON {
			return newOutput().WriteSuccess("version", info)
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
		return nil
	},
}

// engineVersion asks the configured engine binary for its version; failures
// are reported by doctor, not here
func engineVersion(ctx context.Context) string {
	if appConfig == nil {
		return ""
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sup := supervisor.New(logger, supervisor.Options{DefaultTimeout: engineVersionTimeout})
	v, err := engine.New(sup, engine.Options{Binary: appConfig.EngineBinary, Logger: logger}).Version(ctx)
	if err != nil {
		logger.Debug("engine version unavailable", logging.F("error", err.Error()))
		return ""
	}
	return v
}

func init() {
	rootCmd.PersistentFlags().StringVar((*string)(&globalFlags.OutputFormat), "output", "", "Output format (json, table)")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format (alias for --output json)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Debug, "debug", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.NoCache, "no-cache", false, "Bypass the directory listing cache")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogFile, "log-file", "", "Path to log file")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Yes, "yes", "y", false, "Answer yes to all prompts")

	rootCmd.AddCommand(versionCmd)
}

func validateGlobalFlags() error {
	// Handle --json flag as alias for --output json
	if globalFlags.JSON {
		globalFlags.OutputFormat = types.OutputFormatJSON
	}
	if globalFlags.OutputFormat == "" {
		globalFlags.OutputFormat = types.OutputFormatTable
		if appConfig != nil {
			globalFlags.OutputFormat = appConfig.DefaultOutputFormat
		}
	}

	if globalFlags.OutputFormat != types.OutputFormatJSON && globalFlags.OutputFormat != types.OutputFormatTable {
		return utils.InvalidArgument(fmt.Sprintf("invalid output format: %s", globalFlags.OutputFormat))
	}
	return nil
}

// Execute runs the root command and exits with the mapped exit code on failure
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		if _, written := err.(*ExitError); !written {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCodeOf(err))
	}
	return nil
}

// GetGlobalFlags returns the global flags
func GetGlobalFlags() types.GlobalFlags {
	return globalFlags
}

// GetLogger returns the global logger
func GetLogger() logging.Logger {
	return logger
}

func newOutput() *OutputWriter {
	flags := GetGlobalFlags()
	return NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)
}

// configPath is the --config file, or config.json in the default directory
func configPath() (string, error) {
	if globalFlags.Config != "" {
		return globalFlags.Config, nil
	}
	return config.GetConfigPath()
}

func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return config.LoadFrom(path)
}

// openService loads the configuration and opens the component graph. The
// state directory is the directory holding the config file.
func openService() (*service.Service, error) {
	if configErr != nil {
		return nil, utils.ConfigError(configErr.Error())
	}
	path, err := configPath()
	if err != nil {
		return nil, utils.ConfigError(err.Error())
	}
	return service.Open(service.Options{
		Config:    appConfig,
		ConfigDir: filepath.Dir(path),
		Logger:    logger,
		HTTPDebug: httpDebug,
	})
}

// signalContext is cancelled on Ctrl-C or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
