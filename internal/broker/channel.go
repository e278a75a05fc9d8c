package broker

import (
	"context"
	"fmt"
)

// ChannelNotifier is the default, in-process Notifier: a buffered channel
// of job ids, generalized from the teacher's engine.go workChan pattern.
// It is the broker used by `serve` and by every test in this repository;
// it requires no external infrastructure.
type ChannelNotifier struct {
	ch chan string
}

// NewChannelNotifier returns a ChannelNotifier with the given buffer size.
// A full buffer causes Notify to drop the oldest pending notification
// rather than block the Dispatcher — the Reconciler's periodic sweep is
// the backstop for any job whose notification was lost this way.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan string, buffer)}
}

func (n *ChannelNotifier) Notify(ctx context.Context, jobID string) error {
	select {
	case n.ch <- jobID:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify %s: %w", jobID, ctx.Err())
	default:
		select {
		case <-n.ch:
		default:
		}
		n.ch <- jobID
		return nil
	}
}

// Subscribe returns the receive side of the notification channel.
func (n *ChannelNotifier) Subscribe() <-chan string {
	return n.ch
}
