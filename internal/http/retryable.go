package http

import (
	nethttp "net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/stagexfer/internal/constants"
	"github.com/rescale/stagexfer/internal/logging"
)

// retryLogger adapts logging.Logger to retryablehttp.LeveledLogger
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// request-level info is too chatty for transfer logs
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// NewRetryableClient wraps base with retryablehttp's status-aware retries and
// full-jitter backoff bounded by the transfer retry constants.
func NewRetryableClient(base *nethttp.Client, logger *logging.Logger) *retryablehttp.Client {
	if base == nil {
		base = &nethttp.Client{}
	}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = base
	retryClient.RetryMax = constants.MaxRetries
	retryClient.RetryWaitMin = constants.RetryInitialDelay
	retryClient.RetryWaitMax = constants.RetryMaxDelay
	retryClient.Logger = &retryLogger{logger: logging.OrNop(logger)}
	// surface the final response instead of a generic "giving up" error
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return retryClient
}
