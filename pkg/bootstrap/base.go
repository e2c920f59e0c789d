package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"hookvault/internal/broker"
	"hookvault/internal/config"
	"hookvault/internal/logger"
)

type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer broker.Producer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{Config: cfg, Logger: log}
}

// InitBroker creates the notification producer. Without a configured broker it is a no-op
// and Producer stays nil.
func (b *Base) InitBroker() error {
	if b.Config.Broker.Type == "" {
		return nil
	}
	producer, err := broker.NewProducer(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	b.Producer = producer
	return nil
}

func (b *Base) ShutdownBroker() error {
	if b.Producer == nil {
		return nil
	}
	if err := b.Producer.Close(); err != nil {
		return fmt.Errorf("producer close error: %w", err)
	}
	return nil
}

// ShutdownStep is one named resource released during Shutdown.
type ShutdownStep struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Shutdown runs steps in order and closes the broker last, so work still draining
// in an earlier step can publish. Every step runs even when an earlier one fails.
func (b *Base) Shutdown(ctx context.Context, steps ...ShutdownStep) error {
	b.Logger.Info("Shutting down application...")

	var errs []error
	for _, step := range steps {
		if err := step.Fn(ctx); err != nil {
			b.Logger.Warnw("Shutdown step failed", "step", step.Name, "error", err)
			errs = append(errs, err)
		}
	}
	if err := b.ShutdownBroker(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}
	b.Logger.Info("Application exited successfully")
	return nil
}
