package ports

import (
	"context"

	"github.com/batonrun/baton/internal/domain"
)

// DispatcherPort fans execution hints out to workers. Everything here is
// best effort: dropped, duplicated, and reordered notifications are all
// legal, because receivers re-verify readiness against the store and race
// for the lease before doing anything.
type DispatcherPort interface {
	Start(ctx context.Context) error
	Stop() error

	// Notify emits hints derived from sourceState and reason: an empty
	// sourceState is the kickoff fan-out to every start state; upstream-done
	// fans to the downstream states of sourceState; needs-attention and
	// retry re-target sourceState itself.
	Notify(ctx context.Context, workflowID, sourceState string, reason domain.NotificationReason) error

	// Subscribe returns the hint channel for one assignee plus the channel
	// every worker watches regardless of assignment when assignee is empty.
	Subscribe(assignee string) (<-chan domain.Notification, func(), error)
}

// NotifyTransportPort carries notifications between processes. The local
// dispatcher works without one; a configured transport widens the audience
// but never the guarantees.
type NotifyTransportPort interface {
	Start(ctx context.Context) error
	Stop() error

	Publish(ctx context.Context, notification domain.Notification) error
	Receive() <-chan domain.Notification
}
