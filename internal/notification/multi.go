package notification

import (
	"context"
	"errors"

	"gymbook/internal/domain"
)

// Multi delivers to every channel and joins their errors.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, recipient, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipient, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops everything. Used when no channel is configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, string) error { return nil }
