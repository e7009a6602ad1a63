package cli

import (
	"fmt"
	"strings"

	"github.com/dl-alexandre/cloudstream/internal/config"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for managing cloudstream configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective configuration, including environment overrides",
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Keys: " + strings.Join(config.Keys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset configuration to defaults",
	Long:  "Reset all configuration settings to their default values",
	RunE:  runConfigReset,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configResetCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := newOutput()
	if configErr != nil {
		return out.WriteError("config.show", utils.ConfigError(configErr.Error()))
	}
	return out.WriteSuccess("config.show", appConfig)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	out := newOutput()
	if configErr != nil {
		return out.WriteError("config.get", utils.ConfigError(configErr.Error()))
	}
	value, err := appConfig.Get(args[0])
	if err != nil {
		return out.WriteError("config.get", utils.InvalidArgument(err.Error()))
	}
	return out.WriteSuccess("config.get", types.Pairs{{Key: args[0], Value: value}})
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	out := newOutput()

	path, err := configPath()
	if err != nil {
		return out.WriteError("config.set", utils.ConfigError(err.Error()))
	}
	// Start from the file alone so environment overrides are not persisted
	cfg, err := config.LoadFile(path)
	if err != nil {
		return out.WriteError("config.set", utils.ConfigError(err.Error()))
	}

	key, value := args[0], args[1]
	if err := cfg.Set(key, value); err != nil {
		return out.WriteError("config.set", utils.InvalidArgument(err.Error()))
	}
	if err := cfg.SaveTo(path); err != nil {
		return out.WriteError("config.set", utils.ConfigError(fmt.Sprintf("Failed to save configuration: %v", err)))
	}

	out.Log("Configuration updated: %s = %s", key, value)
	return out.WriteSuccess("config.set", types.Pairs{{Key: key, Value: value}})
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	out := newOutput()

	path, err := configPath()
	if err != nil {
		return out.WriteError("config.reset", utils.ConfigError(err.Error()))
	}
	cfg := config.DefaultConfig()
	if err := cfg.SaveTo(path); err != nil {
		return out.WriteError("config.reset", utils.ConfigError(fmt.Sprintf("Failed to reset configuration: %v", err)))
	}

	out.Log("Configuration reset to defaults")
	return out.WriteSuccess("config.reset", cfg)
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := newOutput()
	path, err := configPath()
	if err != nil {
		return out.WriteError("config.path", utils.ConfigError(err.Error()))
	}
	return out.WriteSuccess("config.path", types.Pairs{{Key: "path", Value: path}})
}
