// Package bridge couples the two protocol adapters: the reconciler decides
// which observations are true deltas and forwards them to the opposite
// side, and the supervisor owns startup, shutdown and adapter lifetimes.
package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/berrythewa/clipbridge/internal/bus"
	"github.com/berrythewa/clipbridge/internal/types"
)

// Reconciler holds the per-kind ledger of the last content forwarded in
// either direction. The ledger is the single deduplication point in the
// bridge: adapters always emit true observations, and the echo a forward
// inevitably produces on the receiving side is dropped here because it
// structurally equals the ledger entry.
type Reconciler struct {
	logger *zap.Logger
	b      *bus.Bus

	ledger map[types.SelectionKind]types.Content
	seeded map[types.SelectionKind]bool
}

// NewReconciler creates a reconciler over the given bus.
func NewReconciler(logger *zap.Logger, b *bus.Bus) *Reconciler {
	return &Reconciler{
		logger: logger,
		b:      b,
		ledger: make(map[types.SelectionKind]types.Content),
		seeded: make(map[types.SelectionKind]bool),
	}
}

// Run forwards deltas until the context is cancelled or both observation
// queues are closed. On exit it closes the assert queues, which is the
// shutdown signal for the adapters.
func (r *Reconciler) Run(ctx context.Context) {
	defer r.b.XAssert.Close()
	defer r.b.WAssert.Close()

	xOut := r.b.XObserved.Out()
	wOut := r.b.WObserved.Out()

	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-xOut:
			if !ok {
				xOut = nil
				if wOut == nil {
					return
				}
				continue
			}
			r.handle("x11", obs, r.b.WAssert)
		case obs, ok := <-wOut:
			if !ok {
				wOut = nil
				if xOut == nil {
					return
				}
				continue
			}
			r.handle("wayland", obs, r.b.XAssert)
		}
	}
}

// handle applies one observation: drop echoes, otherwise record the content
// and assert it on the opposite side. Exactly one assert per true delta,
// never back toward the observing side.
func (r *Reconciler) handle(side string, obs types.Observation, opposite *bus.Queue[types.Assertion]) {
	if r.seeded[obs.Kind] && r.ledger[obs.Kind].Equal(obs.Content) {
		r.logger.Debug("echo suppressed",
			zap.String("side", side), zap.String("kind", obs.Kind.String()))
		return
	}

	r.ledger[obs.Kind] = obs.Content
	r.seeded[obs.Kind] = true
	opposite.Push(types.Assertion{Kind: obs.Kind, Content: obs.Content})

	r.logger.Debug("forwarded selection delta",
		zap.String("from", side), zap.String("kind", obs.Kind.String()),
		zap.Bool("empty", obs.Content.IsEmpty()))
}
