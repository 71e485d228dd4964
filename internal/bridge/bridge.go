package bridge

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/berrythewa/clipbridge/internal/bus"
	"github.com/berrythewa/clipbridge/internal/config"
	"github.com/berrythewa/clipbridge/internal/wayland"
	"github.com/berrythewa/clipbridge/internal/x11"
)

// Bridge is the supervisor: it connects both adapters, wires the bus and
// runs everything until a termination signal or a fatal adapter error.
type Bridge struct {
	cfg    *config.Config
	logger *zap.Logger
}

// New creates a bridge supervisor.
func New(cfg *config.Config, logger *zap.Logger) *Bridge {
	return &Bridge{cfg: cfg, logger: logger}
}

// Run connects to both display servers and bridges selections until the
// context is cancelled, SIGINT/SIGTERM arrives, or an adapter dies. A
// failure to reach either server is returned as an initialization error.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eb := bus.New()

	x, err := x11.New(b.cfg.X11, b.logger.Named("x11"), eb.XObserved, eb.XAssert)
	if err != nil {
		return fmt.Errorf("initialize x11 adapter: %w", err)
	}
	w, err := wayland.New(b.cfg.Wayland, b.cfg.SyncPrimary, b.logger.Named("wayland"), eb.WObserved, eb.WAssert)
	if err != nil {
		x.Close()
		return fmt.Errorf("initialize wayland adapter: %w", err)
	}

	rec := NewReconciler(b.logger.Named("reconciler"), eb)

	b.logger.Info("bridge running",
		zap.String("instance_id", b.cfg.InstanceID),
		zap.Bool("sync_primary", b.cfg.SyncPrimary))

	adapterErr := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		adapterErr <- x.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		adapterErr <- w.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info("shutting down on signal")
	case err := <-adapterErr:
		if err != nil {
			runErr = err
			b.logger.Error("adapter terminated", zap.Error(err))
		}
	}

	cancel()
	wg.Wait()

	// Unstick queue pumps whose consumer has already exited.
	for range eb.XObserved.Out() {
	}
	for range eb.WObserved.Out() {
	}
	for range eb.XAssert.Out() {
	}
	for range eb.WAssert.Out() {
	}

	// Collect a second adapter error if one raced the shutdown.
	select {
	case err := <-adapterErr:
		if runErr == nil && err != nil {
			runErr = err
		}
	default:
	}

	b.logger.Info("bridge stopped")
	return runErr
}
