package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/geoedge/internal/xerrors"
)

// Probe is evaluated per request: nil passes, an error fails with its text
// as the reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes when ok, otherwise always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// Loaded fails until ready reports true; the edge uses it to hold traffic
// back until a place dictionary is installed.
func Loaded(what string, ready func() bool) CheckFunc {
	return func(context.Context) error {
		if ready() {
			return nil
		}
		return xerrors.Newf("%s: not loaded", what)
	}
}

// All passes when every non-nil probe passes and reports the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShutdownGate fails readiness while the process drains, so load balancers
// stop routing viewers here before listeners close.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set starts draining; an empty reason reads "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
