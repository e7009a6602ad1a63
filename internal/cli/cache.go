package cli

import (
	"fmt"

	"github.com/dl-alexandre/cloudstream/internal/utils"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clear the on-disk byte cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats <remote>",
	Short: "Show byte cache usage of a remote",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <remote>",
	Short: "Delete the byte cache of a remote",
	Long:  "Delete the byte cache of a remote. Fails with BUSY while the remote is being streamed.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheClear,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	out := newOutput()
	svc, err := openService()
	if err != nil {
		return out.WriteError("cache.stats", err)
	}
	defer svc.Close()

	stats, err := svc.CacheStats(cmd.Context(), args[0])
	if err != nil {
		return out.WriteError("cache.stats", err)
	}
	return out.WriteSuccess("cache.stats", stats)
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	out := newOutput()
	if !globalFlags.Yes && !confirm(out, fmt.Sprintf("Delete the byte cache of %q?", args[0])) {
		return out.WriteError("cache.clear", utils.NewCLIError(utils.ErrCodeCancelled, "clear not confirmed").Err())
	}

	svc, err := openService()
	if err != nil {
		return out.WriteError("cache.clear", err)
	}
	defer svc.Close()

	if err := svc.ClearCache(cmd.Context(), args[0]); err != nil {
		return out.WriteError("cache.clear", err)
	}
	out.Log("Cache cleared for %s", args[0])
	return out.WriteSuccess("cache.clear", map[string]interface{}{"remote": args[0], "cleared": true})
}
