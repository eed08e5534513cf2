package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	runContextKey contextKey = "llm_run"

	requestIDHeader = "X-Request-Id"
)

// RunContext identifies the generation run and sub-operation a call belongs to.
type RunContext struct {
	RunID     uuid.UUID
	ProjectID uuid.UUID
	Stage     string
	Ordinal   int // 0 for stage-wide calls such as analysis
}

// RequestID is the value sent in the X-Request-Id header.
func (rc RunContext) RequestID() string {
	if rc.Stage == "" {
		return rc.RunID.String()
	}
	if rc.Ordinal > 0 {
		return fmt.Sprintf("%s/%s/%d", rc.RunID, rc.Stage, rc.Ordinal)
	}
	return fmt.Sprintf("%s/%s", rc.RunID, rc.Stage)
}

// WithRunContext attaches run identification to ctx.
func WithRunContext(ctx context.Context, rc RunContext) context.Context {
	return context.WithValue(ctx, runContextKey, rc)
}

// WithOrdinal returns ctx with the run context's ordinal replaced.
// It is a no-op when ctx carries no run context.
func WithOrdinal(ctx context.Context, ordinal int) context.Context {
	rc, ok := RunContextFrom(ctx)
	if !ok {
		return ctx
	}
	rc.Ordinal = ordinal
	return WithRunContext(ctx, rc)
}

// RunContextFrom returns the run context attached to ctx, if any.
func RunContextFrom(ctx context.Context) (RunContext, bool) {
	rc, ok := ctx.Value(runContextKey).(RunContext)
	return rc, ok
}

// contextAwareTransport tags outgoing requests with the run's request id so
// provider-side logs can be correlated with ours.
type contextAwareTransport struct {
	base http.RoundTripper
}

func (t *contextAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if rc, ok := RunContextFrom(req.Context()); ok && rc.RunID != uuid.Nil {
		req = req.Clone(req.Context())
		req.Header.Set(requestIDHeader, rc.RequestID())
	}
	return t.base.RoundTrip(req)
}

// withRequestIDs returns a copy of client whose transport injects request ids.
func withRequestIDs(client *http.Client) *http.Client {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *client
	wrapped.Transport = &contextAwareTransport{base: base}
	return &wrapped
}
