package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/service"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
	"github.com/spf13/cobra"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage cloud storage remotes",
	Long:  "Add, list, authorize and remove cloud storage accounts",
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured remotes",
	Args:  cobra.NoArgs,
	RunE:  runRemoteList,
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <provider> <name>",
	Short: "Authorize and add a remote",
	Long: fmt.Sprintf(`Start an interactive authorization for a new remote and wait for it to finish.

The authorization URL is printed; open it in a browser to grant access.
Press Ctrl-C to cancel.

Providers: %s`, strings.Join(utils.SupportedProviders, ", ")),
	Args: cobra.ExactArgs(2),
	RunE: runRemoteAdd,
}

var remoteReconnectCmd = &cobra.Command{
	Use:   "reconnect <remote>",
	Short: "Authorize an existing remote again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoteReconnect,
}

var remoteStatusCmd = &cobra.Command{
	Use:   "status <remote>",
	Short: "Show the authorization state of a remote",
	Long: `Show the authorization state of a remote.

Credentials are checked against their recorded expiry; a remote whose
credentials lapsed is reported as expired.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemoteStatus,
}

var remoteRemoveCmd = &cobra.Command{
	Use:     "remove <remote>",
	Aliases: []string{"rm"},
	Short:   "Remove a remote and its cached data",
	Long: `Remove a remote. Its streaming process is stopped, its cached listings and
byte cache are deleted, and its credentials are forgotten.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemoteRemove,
}

var remoteAboutCmd = &cobra.Command{
	Use:   "about <remote>",
	Short: "Show storage usage of a remote",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoteAbout,
}

var authPollInterval = time.Second

func init() {
	remoteCmd.AddCommand(remoteListCmd)
	remoteCmd.AddCommand(remoteAddCmd)
	remoteCmd.AddCommand(remoteReconnectCmd)
	remoteCmd.AddCommand(remoteStatusCmd)
	remoteCmd.AddCommand(remoteRemoveCmd)
	remoteCmd.AddCommand(remoteAboutCmd)
	rootCmd.AddCommand(remoteCmd)
}

func runRemoteList(cmd *cobra.Command, args []string) error {
	out := newOutput()
	svc, err := openService()
	if err != nil {
		return out.WriteError("remote.list", err)
	}
	defer svc.Close()

	list, err := svc.ListRemotes(cmd.Context())
	if err != nil {
		return out.WriteError("remote.list", err)
	}
	return out.WriteSuccess("remote.list", list)
}

func runRemoteAdd(cmd *cobra.Command, args []string) error {
	out := newOutput()
	svc, err := openService()
	if err != nil {
		return out.WriteError("remote.add", err)
	}
	defer svc.Close()

	ctx, stop := signalContext()
	defer stop()

	handle, err := svc.AddRemote(ctx, args[0], args[1])
	if err != nil {
		return out.WriteError("remote.add", err)
	}
	status, err := awaitAuthorization(ctx, svc, out, handle)
	if err != nil {
		return out.WriteError("remote.add", err)
	}
	return out.WriteSuccess("remote.add", status)
}

func runRemoteReconnect(cmd *cobra.Command, args []string) error {
	out := newOutput()
	svc, err := openService()
	if err != nil {
		return out.WriteError("remote.reconnect", err)
	}
	defer svc.Close()

	ctx, stop := signalContext()
	defer stop()

	handle, err := svc.ReconnectRemote(ctx, args[0])
	if err != nil {
		return out.WriteError("remote.reconnect", err)
	}
	status, err := awaitAuthorization(ctx, svc, out, handle)
	if err != nil {
		return out.WriteError("remote.reconnect", err)
	}
	return out.WriteSuccess("remote.reconnect", status)
}

// awaitAuthorization prints the consent URL and polls the flow until it
// finishes. Cancelling ctx cancels the flow.
func awaitAuthorization(ctx context.Context, svc *service.Service, out *OutputWriter, handle *types.AuthHandle) (*types.AuthStatus, error) {
	out.Log("Open this URL in your browser to authorize access:\n\n  %s\n", handle.URL)
	out.Log("Waiting for authorization (Ctrl-C to cancel)...")

	ticker := time.NewTicker(authPollInterval)
	defer ticker.Stop()
	for {
		status, err := svc.PollAuthorization(handle.Token)
		if err != nil {
			return nil, err
		}
		if status.State.Terminal() {
			return flowResult(status)
		}

		select {
		case <-ctx.Done():
			_ = svc.CancelAuthorization(handle.Token)
			return nil, utils.NewCLIError(utils.ErrCodeCancelled, "authorization cancelled").Err()
		case <-ticker.C:
		}
	}
}

func flowResult(status *types.AuthStatus) (*types.AuthStatus, error) {
	switch status.State {
	case types.AuthFlowAuthorized:
		return status, nil
	case types.AuthFlowTimeout:
		return nil, utils.NewCLIError(utils.ErrCodeTimeout, "authorization was not completed in time").
			WithRetryable(true).Err()
	default:
		msg := status.Message
		if msg == "" {
			msg = "authorization failed"
		}
		return nil, utils.NewCLIError(utils.ErrCodeAuthRequired, msg).WithContext("remote", status.Remote).Err()
	}
}

func runRemoteStatus(cmd *cobra.Command, args []string) error {
	out := newOutput()
	svc, err := openService()
	if err != nil {
		return out.WriteError("remote.status", err)
	}
	defer svc.Close()

	// flows started in this process are addressable by token
	if status, err := svc.PollAuthorization(args[0]); err == nil {
		return out.WriteSuccess("remote.status", status)
	}

	if _, err := svc.CheckCredentials(cmd.Context()); err != nil {
		out.Verbose("credential check failed: %v", err)
	}
	remote, err := svc.GetRemote(cmd.Context(), args[0])
	if err != nil {
		return out.WriteError("remote.status", err)
	}
	if remote.AuthState != types.AuthStateAuthorized {
		out.AddWarning(utils.ErrCodeAuthExpired,
			fmt.Sprintf("remote %q needs authorization; run 'cloudstream remote reconnect %s'", remote.Name, remote.Name),
			"warning")
	}
	return out.WriteSuccess("remote.status", &types.RemoteList{Remotes: []types.RemoteConnection{*remote}})
}

func runRemoteRemove(cmd *cobra.Command, args []string) error {
	out := newOutput()
	if !globalFlags.Yes && !confirm(out, fmt.Sprintf("Remove remote %q and all of its cached data?", args[0])) {
		return out.WriteError("remote.remove", utils.NewCLIError(utils.ErrCodeCancelled, "removal not confirmed").Err())
	}

	svc, err := openService()
	if err != nil {
		return out.WriteError("remote.remove", err)
	}
	defer svc.Close()

	if err := svc.RemoveRemote(cmd.Context(), args[0]); err != nil {
		return out.WriteError("remote.remove", err)
	}
	out.Log("Removed %s", args[0])
	return out.WriteSuccess("remote.remove", map[string]interface{}{"remote": args[0], "removed": true})
}

func runRemoteAbout(cmd *cobra.Command, args []string) error {
	out := newOutput()
	svc, err := openService()
	if err != nil {
		return out.WriteError("remote.about", err)
	}
	defer svc.Close()

	q, err := svc.RemoteQuota(cmd.Context(), args[0])
	if err != nil {
		return out.WriteError("remote.about", err)
	}
	return out.WriteSuccess("remote.about", q)
}
