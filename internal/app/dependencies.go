// Package app wires configuration, tracing, the message bus and the selected
// backend into the options a room needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nfrund/roomsync/internal/backend"
	"github.com/nfrund/roomsync/internal/backend/badgerdb"
	"github.com/nfrund/roomsync/internal/backend/memory"
	"github.com/nfrund/roomsync/internal/backend/surreal"
	"github.com/nfrund/roomsync/internal/config"
	"github.com/nfrund/roomsync/internal/pubsub"
	"github.com/nfrund/roomsync/internal/room"
)

// Dependencies holds the long-lived services shared by every room opened in
// this process. They outlive the rooms and are released by Close.
type Dependencies struct {
	Config  *config.Config
	Bus     *pubsub.WatermillBridge
	Backend backend.Backend
	Logger  *slog.Logger

	shutdownTracing func()
}

// NewDependencies builds the bus and backend described by cfg.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tracer, shutdown, err := pubsub.SetupOTel(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	bridgeOpts := []pubsub.BridgeOption{pubsub.WithLogger(logger.With("component", "pubsub"))}
	if cfg.Tracing.Enabled {
		bridgeOpts = append(bridgeOpts, pubsub.WithTracer(tracer))
	}
	bus := pubsub.NewWatermillBridge(bridgeOpts...)

	be, err := openBackend(ctx, cfg, bus, logger)
	if err != nil {
		_ = bus.Close()
		shutdown()
		return nil, err
	}

	logger.Info("Dependencies ready", "backend", cfg.Backend, "tracing", cfg.Tracing.Enabled)
	return &Dependencies{
		Config:          cfg,
		Bus:             bus,
		Backend:         be,
		Logger:          logger,
		shutdownTracing: shutdown,
	}, nil
}

func openBackend(ctx context.Context, cfg *config.Config, bus pubsub.Bus, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.New(memory.WithBus(bus), memory.WithLogger(logger.With("backend", "memory"))), nil
	case config.BackendBadger:
		b, err := badgerdb.Open(cfg.BadgerDir, badgerdb.WithLogger(logger.With("backend", "badger")))
		if err != nil {
			return nil, fmt.Errorf("open badger backend: %w", err)
		}
		return b, nil
	case config.BackendSurreal:
		b, err := surreal.Open(ctx, cfg.Surreal, surreal.WithLogger(logger.With("backend", "surreal")))
		if err != nil {
			return nil, fmt.Errorf("open surreal backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// RoomOptions builds the options for joining name. An empty name or handle
// falls back to the configured one.
func (d *Dependencies) RoomOptions(name, handle string) room.Options {
	if name == "" {
		name = d.Config.Room
	}
	if handle == "" {
		handle = d.Config.Handle
	}
	return room.Options{
		Name:              name,
		Handle:            handle,
		Backend:           d.Backend,
		Bus:               d.Bus,
		PresenceTTL:       d.Config.PresenceTTL,
		TypingTTL:         d.Config.TypingTTL,
		HeartbeatInterval: d.Config.HeartbeatInterval,
		ConfirmTimeout:    d.Config.ConfirmTimeout,
		MaxAttempts:       d.Config.MaxAttempts,
		RetryBaseDelay:    d.Config.RetryBaseDelay,
		Logger:            d.Logger,
	}
}

// Close releases the backend, the bus and the tracer, in that order.
func (d *Dependencies) Close() error {
	var errs []error
	if err := d.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	if err := d.Bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	d.shutdownTracing()
	return errors.Join(errs...)
}
