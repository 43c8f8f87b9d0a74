package shuffle

import "context"

// RequestContext is the ambient per-query context the engine consumes.
// It is deliberately thin: a context.Context for cancellation plus a
// Status the owning query driver populates when something failed
// upstream of the exchange or a task aborted due to resource
// exhaustion. spec.md §9 calls this out as a pattern requiring
// re-architecture ("configuration via ambient request-context");
// configuration itself moved to the Opt functional options (see
// config.go) and
// this type is left to carry only the two things that remain
// genuinely ambient: cancellation and error status.
type RequestContext struct {
	ctx    context.Context
	status *Status
}

// NewRequestContext returns a RequestContext bound to ctx with a clean
// (ok) status.
func NewRequestContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &RequestContext{ctx: ctx, status: &Status{}}
}

// Context returns the underlying cancellation context.
func (r *RequestContext) Context() context.Context { return r.ctx }

// Status returns the mutable status record. Producer tasks call
// Status.Fail when a page-pool allocation fails; the query driver calls
// it when an upstream operator failed before this exchange ran.
func (r *RequestContext) Status() *Status { return r.status }

// Status carries the one error classification the exchange core reads:
// whether something failed before or during production, which the
// transfer barrier inspects to decide whether to suppress the
// aggregate empty-input synthetic row.
type Status struct {
	err error
}

// Fail records err as the terminal status. The first failure sticks;
// subsequent calls are no-ops.
func (s *Status) Fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Err returns the recorded failure, or nil if none occurred.
func (s *Status) Err() error { return s.err }

// Failed reports whether any upstream or resource-exhaustion failure
// was recorded.
func (s *Status) Failed() bool { return s.err != nil }
