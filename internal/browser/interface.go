package browser

import "context"

// StealthInjector is an opaque hook applied once to every configured
// page. Failures are logged by the session and never fail the page or
// the session; the payloads themselves live outside this repository.
type StealthInjector interface {
	Apply(ctx context.Context, p *Page) error
}

// AssistedActionStep is the opaque per-page action the polling loop
// invokes every interval, e.g. an assisted challenge solver. Errors
// are swallowed per iteration; the loop only stops when its page or
// session ends.
type AssistedActionStep interface {
	Attempt(ctx context.Context, p *Page) error
}
