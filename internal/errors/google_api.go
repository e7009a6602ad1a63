package errors

import (
	"errors"

	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/utils"
	"google.golang.org/api/googleapi"
)

// ClassifyGoogleAPIError maps an error from a direct Google API call (used
// by the drive quota probe) to the same taxonomy as engine errors
func ClassifyGoogleAPIError(service, remote string, err error, logger logging.Logger) error {
	if err == nil {
		return nil
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		logger.Warn("Non-API error",
			logging.F("error", logging.Redact(err.Error())),
			logging.F("remote", remote),
		)
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeNetworkError, logging.Redact(err.Error())).
			WithRetryable(true).
			WithContext("remote", remote).
			WithContext("service", service).
			Build(), err)
	}

	var code string
	var retryable bool

	switch apiErr.Code {
	case 400:
		code = utils.ErrCodeInvalidArgument
	case 401:
		code = utils.ErrCodeAuthExpired
	case 403:
		code = utils.ErrCodeAuthRequired
		for _, e := range apiErr.Errors {
			switch e.Reason {
			case "sharingRateLimitExceeded", "userRateLimitExceeded", "rateLimitExceeded", "dailyLimitExceeded":
				code = utils.ErrCodeRateLimited
				retryable = e.Reason != "dailyLimitExceeded"
			}
		}
	case 404:
		code = utils.ErrCodePathNotFound
	case 429:
		code = utils.ErrCodeRateLimited
		retryable = true
	case 500, 502, 503, 504:
		code = utils.ErrCodeNetworkError
		retryable = true
	default:
		code = utils.ErrCodeOperationFailed
		retryable = apiErr.Code >= 500
	}

	logger.Warn("API error classified",
		logging.F("httpStatus", apiErr.Code),
		logging.F("errorCode", code),
		logging.F("retryable", retryable),
		logging.F("message", apiErr.Message),
		logging.F("remote", remote),
		logging.F("service", service),
	)

	builder := utils.NewCLIError(code, apiErr.Message).
		WithHTTPStatus(apiErr.Code).
		WithRetryable(retryable).
		WithContext("remote", remote).
		WithContext("service", service)

	switch code {
	case utils.ErrCodeAuthExpired, utils.ErrCodeAuthRequired:
		builder.WithContext("suggestedAction", "run 'cloudstream remote reconnect "+remote+"' to re-authorize")
	case utils.ErrCodeRateLimited:
		builder.WithContext("suggestedAction", "wait before retrying")
	}
	if apiErr.Code >= 500 && apiErr.Code <= 504 {
		builder.WithContext("serverError", true)
	}

	return utils.WrapAppError(builder.Build(), err)
}
