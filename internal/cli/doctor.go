package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the engine, local state and credentials",
	Long: `Report whether the sync engine and local state are usable.

With --restore, engine configuration missing for registered remotes is
rebuilt from the vaulted credential copies first.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

var doctorRestore bool

func init() {
	doctorCmd.Flags().BoolVar(&doctorRestore, "restore", false, "Recreate missing engine configuration from the credential vault")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := newOutput()
	svc, err := openService()
	if err != nil {
		return out.WriteError("doctor", err)
	}
	defer svc.Close()
	ctx := cmd.Context()

	var restored *types.RestoreResult
	if doctorRestore {
		restored, err = svc.RestoreEngineConfig(ctx)
		if err != nil {
			return out.WriteError("doctor", err)
		}
		if len(restored.Missing) > 0 {
			out.AddWarning(utils.ErrCodeAuthRequired,
				fmt.Sprintf("no vaulted credentials for %s; reconnect them", strings.Join(restored.Missing, ", ")),
				"warning")
		}
	}
	if expired, err := svc.CheckCredentials(ctx); err == nil && len(expired) > 0 {
		out.AddWarning(utils.ErrCodeAuthExpired,
			fmt.Sprintf("credentials expired for %s", strings.Join(expired, ", ")), "warning")
	}

	report := svc.Health(ctx)
	if restored != nil {
		detail := fmt.Sprintf("%d restored, %d missing", len(restored.Restored), len(restored.Missing))
		status := types.CheckOK
		if len(restored.Missing) > 0 {
			status = types.CheckWarn
		}
		report.Add("restore", status, detail)
	}
	if err := out.WriteSuccess("doctor", report); err != nil {
		return err
	}
	if !report.Healthy {
		return &ExitError{Code: utils.ExitConfigError, Err: errors.New("one or more health checks failed")}
	}
	return nil
}
