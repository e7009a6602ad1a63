package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dl-alexandre/cloudstream/internal/config"
	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

func newTestOutput(format types.OutputFormat) (*OutputWriter, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	out := NewOutputWriter(format, false, false)
	out.SetWriters(&stdout, &stderr)
	return out, &stdout, &stderr
}

func TestOutputWriter_JSONSuccess(t *testing.T) {
	out, stdout, _ := newTestOutput(types.OutputFormatJSON)
	out.AddWarning(utils.ErrCodeNetworkError, "showing cached listing", "warning")

	if err := out.WriteSuccess("browse", &types.Listing{Path: "/Movies"}); err != nil {
		t.Fatalf("WriteSuccess() error = %v", err)
	}

	var env types.CLIOutput
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		t.Fatalf("output is not an envelope: %v\n%s", err, stdout.String())
	}
	if env.SchemaVersion != utils.SchemaVersion || env.Command != "browse" || env.TraceID == "" {
		t.Errorf("unexpected envelope header: %+v", env)
	}
	if len(env.Warnings) != 1 || len(env.Errors) != 0 {
		t.Errorf("warnings = %v, errors = %v", env.Warnings, env.Errors)
	}
}

func TestOutputWriter_JSONError(t *testing.T) {
	out, stdout, _ := newTestOutput(types.OutputFormatJSON)

	err := out.WriteError("cache.clear", utils.Busy("remote is being streamed"))

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("WriteError() = %v, want *ExitError", err)
	}
	if exitErr.Code != utils.ExitBusy {
		t.Errorf("exit code = %d, want %d", exitErr.Code, utils.ExitBusy)
	}
	if !utils.IsCode(err, utils.ErrCodeBusy) {
		t.Errorf("ExitError does not unwrap to the BUSY error")
	}

	var env types.CLIOutput
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Errors) != 1 || env.Errors[0].Code != utils.ErrCodeBusy {
		t.Errorf("errors = %+v", env.Errors)
	}
}

func TestOutputWriter_TableError(t *testing.T) {
	out, stdout, stderr := newTestOutput(types.OutputFormatTable)

	_ = out.WriteError("browse", utils.NewCLIError(utils.ErrCodeAuthExpired, "token expired").Err())

	if stdout.Len() != 0 {
		t.Errorf("table errors must not write to stdout: %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "Error [AUTH_EXPIRED]: token expired") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if !strings.Contains(stderr.String(), "remote reconnect") {
		t.Errorf("auth errors should suggest reconnecting: %q", stderr.String())
	}
}

func TestOutputWriter_Table(t *testing.T) {
	t.Run("renderer", func(t *testing.T) {
		out, stdout, _ := newTestOutput(types.OutputFormatTable)
		list := &types.RemoteList{Remotes: []types.RemoteConnection{
			{ID: "r1", Name: "Work Drive", Provider: "drive", AuthState: types.AuthStateAuthorized},
		}}
		if err := out.WriteSuccess("remote.list", list); err != nil {
			t.Fatalf("WriteSuccess() error = %v", err)
		}
		if !strings.Contains(stdout.String(), "Work Drive") {
			t.Errorf("table output missing remote: %q", stdout.String())
		}
	})

	t.Run("empty", func(t *testing.T) {
		out, stdout, _ := newTestOutput(types.OutputFormatTable)
		list := &types.RemoteList{}
		_ = out.WriteSuccess("remote.list", list)
		if strings.TrimSpace(stdout.String()) != list.EmptyMessage() {
			t.Errorf("stdout = %q, want empty message", stdout.String())
		}
	})

	t.Run("renderable", func(t *testing.T) {
		out, stdout, _ := newTestOutput(types.OutputFormatTable)
		if err := out.WriteSuccess("config.show", config.DefaultConfig()); err != nil {
			t.Fatalf("WriteSuccess() error = %v", err)
		}
		if !strings.Contains(stdout.String(), "listingTTL") || strings.Contains(stdout.String(), "{") {
			t.Errorf("config should render as a key/value table: %q", stdout.String())
		}
	})

	t.Run("fallback to json", func(t *testing.T) {
		out, stdout, _ := newTestOutput(types.OutputFormatTable)
		_ = out.WriteSuccess("stream", &types.StreamURL{URL: "http://127.0.0.1:8765/a.mkv"})
		if !strings.Contains(stdout.String(), `"url": "http://127.0.0.1:8765/a.mkv"`) {
			t.Errorf("stdout = %q", stdout.String())
		}
	})
}

func TestExitCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"written", &ExitError{Code: utils.ExitBusy, Err: errors.New("busy")}, utils.ExitBusy},
		{"app error", utils.NotFound(utils.ErrCodeRemoteNotFound, "remote", "x"), utils.ExitRemoteNotFound},
		{"usage error", errors.New(`unknown command "frob"`), utils.ExitInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeOf(tt.err); got != tt.want {
				t.Errorf("exitCodeOf() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFlowResult(t *testing.T) {
	tests := []struct {
		state    types.AuthFlowState
		message  string
		wantCode string
	}{
		{state: types.AuthFlowAuthorized},
		{state: types.AuthFlowTimeout, wantCode: utils.ErrCodeTimeout},
		{state: types.AuthFlowFailed, message: "access denied", wantCode: utils.ErrCodeAuthRequired},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			status, err := flowResult(&types.AuthStatus{State: tt.state, Message: tt.message})
			if tt.wantCode == "" {
				if err != nil || status == nil {
					t.Fatalf("flowResult() = %v, %v", status, err)
				}
				return
			}
			if !utils.IsCode(err, tt.wantCode) {
				t.Fatalf("flowResult() error = %v, want %s", err, tt.wantCode)
			}
			if tt.message != "" && !strings.Contains(err.Error(), tt.message) {
				t.Errorf("error %q does not carry the flow message", err)
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	orig := promptInput
	t.Cleanup(func() { promptInput = orig })

	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			promptInput = strings.NewReader(tt.input)
			out, _, _ := newTestOutput(types.OutputFormatTable)
			if got := confirm(out, "Proceed?"); got != tt.want {
				t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCommandTree(t *testing.T) {
	paths := [][]string{
		{"remote", "list"},
		{"remote", "add"},
		{"remote", "remove"},
		{"remote", "status"},
		{"remote", "reconnect"},
		{"remote", "about"},
		{"browse"},
		{"stream"},
		{"cache", "stats"},
		{"cache", "clear"},
		{"serve"},
		{"doctor"},
		{"config", "show"},
		{"config", "get"},
		{"config", "path"},
		{"config", "set"},
		{"config", "reset"},
		{"version"},
	}
	for _, p := range paths {
		t.Run(strings.Join(p, " "), func(t *testing.T) {
			cmd, _, err := rootCmd.Find(p)
			if err != nil {
				t.Fatalf("Find(%v) error = %v", p, err)
			}
			if cmd.Name() != p[len(p)-1] {
				t.Errorf("Find(%v) = %q", p, cmd.Name())
			}
		})
	}
}

func TestConfigSetCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	t.Cleanup(func() {
		globalFlags = types.GlobalFlags{}
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs([]string{"--config", path, "--json", "--quiet", "config", "set", "listingTTL", "120"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config set error = %v", err)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.ListingTTL != 120 {
		t.Errorf("ListingTTL = %d, want 120", cfg.ListingTTL)
	}

	globalFlags = types.GlobalFlags{}
	rootCmd.SetArgs([]string{"--config", path, "--json", "--quiet", "config", "set", "startupTimeout", "0"})
	err = rootCmd.Execute()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != utils.ExitInvalidArgument {
		t.Fatalf("invalid config set error = %v, want exit %d", err, utils.ExitInvalidArgument)
	}
}
