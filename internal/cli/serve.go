package cli

import (
	"github.com/dl-alexandre/cloudstream/internal/api"
	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API daemon",
	Long: `Run the control API on a loopback address.

UIs drive remotes, browsing and playback through the API; /events pushes
connection and cache updates over a websocket and /metrics exposes
Prometheus metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config apiAddr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	out := newOutput()
	svc, err := openService()
	if err != nil {
		return out.WriteError("serve", err)
	}
	defer svc.Close()

	ctx, stop := signalContext()
	defer stop()

	if expired, err := svc.CheckCredentials(ctx); err != nil {
		logger.Warn("credential check failed", logging.F("error", err.Error()))
	} else if len(expired) > 0 {
		logger.Warn("remotes need authorization", logging.F("remotes", expired))
	}

	metrics.Register(prometheus.DefaultRegisterer)
	addr := serveAddr
	if addr == "" {
		addr = svc.Config().APIAddr
	}

	srv := api.NewServer(svc,
		api.WithLogger(logger),
		api.WithEvents(svc.Events()),
		api.WithGatherer(prometheus.DefaultGatherer),
	)
	out.Log("Control API listening on http://%s", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return out.WriteError("serve", err)
	}
	return nil
}
