package notify

import (
	"context"
	"errors"
)

// Multi fans a notification out to every configured channel. Delivery
// errors are joined, not short-circuited.
type Multi []Notifier

func (m Multi) BuildStarted(ctx context.Context, userID string, p Payload) error {
	return m.each(func(n Notifier) error { return n.BuildStarted(ctx, userID, p) })
}

func (m Multi) BuildCompleted(ctx context.Context, userID string, p Payload) error {
	return m.each(func(n Notifier) error { return n.BuildCompleted(ctx, userID, p) })
}

func (m Multi) BuildFailed(ctx context.Context, userID string, p Payload) error {
	return m.each(func(n Notifier) error { return n.BuildFailed(ctx, userID, p) })
}

func (m Multi) each(fn func(Notifier) error) error {
	var errs []error
	for _, n := range m {
		if err := fn(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
