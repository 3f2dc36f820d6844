package client

import (
	"context"
	"errors"
	"net/http"
)

// ErrUnauthorized may be wrapped by a base transport to signal an auth
// failure that never produced a response.
var ErrUnauthorized = errors.New("client: unauthorized")

type internalKey struct{}

// WithInternal marks requests made with ctx as the session's own auth calls.
// Transport neither decorates them nor reacts to their failures.
func WithInternal(ctx context.Context) context.Context {
	return context.WithValue(ctx, internalKey{}, true)
}

func IsInternal(ctx context.Context) bool {
	internal, _ := ctx.Value(internalKey{}).(bool)
	return internal
}

// Transport attaches the session's auth headers to every request and sends
// the user to the login page when the portal answers 401.
type Transport struct {
	session *Session
	base    http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if IsInternal(ctx) {
		return t.base.RoundTrip(req)
	}

	out := req.Clone(ctx)
	for name, values := range t.session.AuthHeaders(ctx) {
		if out.Header.Get(name) != "" {
			continue
		}
		out.Header[name] = values
	}

	resp, err := t.base.RoundTrip(out)
	if errors.Is(err, ErrUnauthorized) || (err == nil && resp.StatusCode == http.StatusUnauthorized) {
		t.session.logger.InfoContext(ctx, "unauthorized response", "path", req.URL.Path)
		t.session.handleUnauthorized(ctx)
	}
	return resp, err
}
