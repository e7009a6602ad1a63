package cli

import (
	"time"

	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
	"github.com/spf13/cobra"
)

var browseCmd = &cobra.Command{
	Use:   "browse <remote> [path]",
	Short: "List a remote directory",
	Long: `List the entries of a remote directory.

Listings are cached; --refresh (or --no-cache) fetches a fresh copy. When a
refresh fails and an older copy exists, the older copy is shown with a warning.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runBrowse,
}

var streamCmd = &cobra.Command{
	Use:   "stream <remote> <path>",
	Short: "Serve a remote file for playback",
	Long: `Start the local streaming process for a remote and print the playback URL.

The URL supports HTTP range requests. The command keeps serving until
interrupted or until the streaming process stops.`,
	Args: cobra.ExactArgs(2),
	RunE: runStream,
}

var browseRefresh bool

func init() {
	browseCmd.Flags().BoolVar(&browseRefresh, "refresh", false, "Fetch a fresh listing instead of using the cache")
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(streamCmd)
}

func runBrowse(cmd *cobra.Command, args []string) error {
	out := newOutput()
	svc, err := openService()
	if err != nil {
		return out.WriteError("browse", err)
	}
	defer svc.Close()

	dir := "/"
	if len(args) == 2 {
		dir = args[1]
	}
	refresh := browseRefresh || GetGlobalFlags().NoCache

	listing, err := svc.Browse(cmd.Context(), args[0], dir, refresh)
	if err != nil {
		if listing == nil || !listing.Stale {
			return out.WriteError("browse", err)
		}
		cliErr := utils.ToCLIError(err)
		out.AddWarning(cliErr.Code, "showing cached listing from "+listing.CachedAt.Format(time.RFC3339)+": "+cliErr.Message, "warning")
	}
	return out.WriteSuccess("browse", listing)
}

func runStream(cmd *cobra.Command, args []string) error {
	out := newOutput()
	svc, err := openService()
	if err != nil {
		return out.WriteError("stream", err)
	}
	defer svc.Close()

	ctx, stop := signalContext()
	defer stop()

	u, err := svc.GetStreamURL(ctx, args[0], args[1])
	if err != nil {
		return out.WriteError("stream", err)
	}
	if err := out.WriteSuccess("stream", u); err != nil {
		return err
	}
	if out.format != types.OutputFormatJSON {
		out.Log("Streaming at %s (Ctrl-C to stop)", u.URL)
	}

	ticker := time.NewTicker(svc.Config().GetHealthInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			svc.StopStream()
			return nil
		case <-ticker.C:
			st := svc.StreamStatus()
			if st.State == types.ServeRunning || st.State == types.ServeStarting {
				continue
			}
			if st.State == types.ServeFailed {
				return out.WriteError("stream", utils.NewCLIError(utils.ErrCodeOperationFailed,
					"streaming process stopped: "+st.LastError).WithRetryable(true).Err())
			}
			out.Log("Streaming process stopped")
			return nil
		}
	}
}
