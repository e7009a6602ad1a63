package errors

import (
	"errors"
	"regexp"
	"strings"

	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/supervisor"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

// maxDiagnostic bounds the raw engine text carried in an error
const maxDiagnostic = 2048

type stderrRule struct {
	code      string
	retryable bool
	pattern   *regexp.Regexp
	action    string
}

// Order matters: the first matching rule wins. Auth failures are checked
// before generic HTTP status text because expired tokens are often reported
// alongside a 400/401.
var stderrRules = []stderrRule{
	{
		code:    utils.ErrCodeAuthExpired,
		pattern: regexp.MustCompile(`(?i)invalid_grant|token (has been )?expired|token has been revoked|couldn't fetch token|failed to refresh token|empty token found`),
		action:  "reconnect the remote to re-authorize",
	},
	{
		code:    utils.ErrCodeAuthRequired,
		pattern: regexp.MustCompile(`(?i)\b401\b|unauthori[sz]ed|invalid_client|access_denied|authenticat(e|ion) (failed|required)`),
		action:  "reconnect the remote to re-authorize",
	},
	{
		code:    utils.ErrCodeConfigError,
		pattern: regexp.MustCompile(`(?i)didn't find section in config file|config file .* not found|unknown flag|unknown command|couldn't find type of fs|NOTICE: Config file .* not found`),
		action:  "check the engine binary version and the engine config path",
	},
	{
		code:    utils.ErrCodePathNotFound,
		pattern: regexp.MustCompile(`(?i)directory not found|object not found|file not found|not a directory|\b404\b`),
		action:  "verify the path exists on the remote",
	},
	{
		code:      utils.ErrCodeRateLimited,
		retryable: true,
		pattern:   regexp.MustCompile(`(?i)\b429\b|rate ?limit|too many requests|userRateLimitExceeded|quota exceeded`),
		action:    "wait before retrying",
	},
	{
		code:      utils.ErrCodeTimeout,
		retryable: true,
		pattern:   regexp.MustCompile(`(?i)i/o timeout|deadline exceeded|TLS handshake timeout|timed out`),
		action:    "check network connectivity and retry",
	},
	{
		code:      utils.ErrCodeNetworkError,
		retryable: true,
		pattern:   regexp.MustCompile(`(?i)connection refused|connection reset|no such host|network is unreachable|dial tcp|\bEOF\b|\b50[0234]\b|temporary failure|service unavailable`),
		action:    "check network connectivity and retry",
	},
}

// ClassifyEngineError maps a failed engine invocation to the error taxonomy.
// It is the only place that interprets engine stderr text. Errors that are
// already classified (timeouts, spawn failures, cancellation) pass through.
func ClassifyEngineError(op string, err error, logger logging.Logger) error {
	if err == nil {
		return nil
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	var exitErr *supervisor.ExitError
	if !errors.As(err, &exitErr) {
		if _, ok := utils.AsAppError(err); ok {
			return err
		}
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeOperationFailed, logging.Redact(err.Error())).
			WithContext("operation", op).
			Build(), err)
	}

	return classifyStderr(op, exitErr.Stderr, exitErr.ExitCode, err, logger)
}

// ClassifyEngineOutput classifies diagnostic text that did not come with an
// exit status, such as the output of a serving process that died.
func ClassifyEngineOutput(op, output string, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return classifyStderr(op, output, -1, nil, logger)
}

func classifyStderr(op, stderr string, exitCode int, cause error, logger logging.Logger) error {
	diagnostic := summarize(stderr)

	code := utils.ErrCodeOperationFailed
	retryable := false
	action := ""
	for _, rule := range stderrRules {
		if rule.pattern.MatchString(stderr) {
			code = rule.code
			retryable = rule.retryable
			action = rule.action
			break
		}
	}

	logger.Warn("engine error classified",
		logging.F("operation", op),
		logging.F("errorCode", code),
		logging.F("retryable", retryable),
		logging.F("exitCode", exitCode),
		logging.F("stderr", diagnostic),
	)

	message := diagnostic
	if message == "" {
		message = op + " failed"
	}
	builder := utils.NewCLIError(code, message).
		WithRetryable(retryable).
		WithContext("operation", op)
	if exitCode >= 0 {
		builder.WithContext("exitCode", exitCode)
	}
	if action != "" {
		builder.WithContext("suggestedAction", action)
	}
	return utils.WrapAppError(builder.Build(), cause)
}

// summarize keeps the last meaningful engine lines, redacted and bounded
func summarize(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	kept := make([]string, 0, 3)
	for i := len(lines) - 1; i >= 0 && len(kept) < 3; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		kept = append([]string{line}, kept...)
	}
	out := logging.Redact(strings.Join(kept, "; "))
	if len(out) > maxDiagnostic {
		out = out[:maxDiagnostic]
	}
	return out
}
