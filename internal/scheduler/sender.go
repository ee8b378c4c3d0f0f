package scheduler

import (
	"context"
	"errors"

	"icsreminder/internal/model"
)

// MultiSender delivers each message to every wrapped sender. All senders
// are attempted; failures are joined.
type MultiSender []Sender

func (m MultiSender) Send(ctx context.Context, roomID string, msg model.Message) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, roomID, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, roomID string, msg model.Message) error

func (f SenderFunc) Send(ctx context.Context, roomID string, msg model.Message) error {
	return f(ctx, roomID, msg)
}
