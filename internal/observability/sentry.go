package observability

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CaptureRequestError reports err with the request method, path and id
// attached. It is a no-op when sentry is not initialised.
func CaptureRequestError(r *http.Request, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("method", r.Method)
		scope.SetTag("path", r.URL.Path)
		if id := RequestIDFromContext(r.Context()); id != "" {
			scope.SetTag("request_id", id)
		}
		sentry.CaptureException(err)
	})
}
