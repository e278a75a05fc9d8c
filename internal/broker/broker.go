// Package broker defines the message-queue abstraction spec §2 requires
// between Dispatcher and Runner: Dispatcher commits a transaction, then
// hands a job id off to be worked on some background executor, without
// either side knowing the other's identity or transport.
package broker

import "context"

// Notifier decouples Dispatcher from Runner. Notify is called after a
// Dispatcher transaction commits (never inside it, so the Runner never
// sees a job id for a row that isn't actually persisted yet).
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
}

// Subscriber is implemented by Notifiers that also expose a pull side for
// an in-process Runner loop to consume from.
type Subscriber interface {
	Subscribe() <-chan string
}
