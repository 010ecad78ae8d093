// Package dispatch fans execution hints out to workers. Notifications are
// hints and nothing more: readiness is re-verified and the lease race is run
// by every receiver, so this package is free to drop on slow consumers and
// to deliver duplicates. The optional transport extends the audience to
// peer processes under the same rules.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batonrun/baton/internal/adapters/readiness"
	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

// Dispatcher implements ports.DispatcherPort.
type Dispatcher struct {
	metas     ports.MetaStorePort
	states    ports.StateStorePort
	transport ports.NotifyTransportPort
	logger    *slog.Logger
	metrics   *domain.RuntimeMetrics

	bufferSize int

	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriber struct {
	id       string
	assignee string
	channel  chan domain.Notification
}

// NewDispatcher wires the dispatcher over the document stores. transport and
// metrics may be nil; cfg supplies channel sizing and the send timeout.
func NewDispatcher(metas ports.MetaStorePort, states ports.StateStorePort, transport ports.NotifyTransportPort, cfg domain.DispatchConfig, metrics *domain.RuntimeMetrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		metas:       metas,
		states:      states,
		transport:   transport,
		logger:      logger.With("component", "dispatcher"),
		metrics:     metrics,
		bufferSize:  cfg.BufferSize,
		subscribers: make(map[string][]*subscriber),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return domain.ErrAlreadyStarted
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true

	if d.transport != nil {
		if err := d.transport.Start(d.ctx); err != nil {
			d.cancel()
			d.running = false
			return err
		}
		go d.pumpTransport()
	}

	d.logger.Debug("dispatcher started")
	return nil
}

func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return domain.ErrNotStarted
	}
	d.cancel()

	if d.transport != nil {
		if err := d.transport.Stop(); err != nil {
			d.logger.Warn("transport stop failed", "error", err)
		}
	}

	for _, subs := range d.subscribers {
		for _, sub := range subs {
			close(sub.channel)
		}
	}
	d.subscribers = make(map[string][]*subscriber)

	d.running = false
	d.logger.Debug("dispatcher stopped")
	return nil
}

// Notify computes the hint targets for reason and delivers to local
// subscribers and the transport. An empty sourceState is the kickoff fan-out
// to every start state; upstream-done fans to the downstream states of
// sourceState that are ready now; needs-attention and retry re-target
// sourceState itself.
func (d *Dispatcher) Notify(ctx context.Context, workflowID, sourceState string, reason domain.NotificationReason) error {
	meta, err := d.metas.Get(ctx, workflowID)
	if err != nil {
		return err
	}

	targets, err := d.resolveTargets(ctx, meta, sourceState, reason)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, target := range targets {
		notification := domain.Notification{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			State:      target,
			Reason:     reason,
			Assignee:   meta.Assignee(target),
			EmittedAt:  now,
			Async:      true,
		}
		d.deliverLocal(notification)

		if d.transport != nil {
			if err := d.transport.Publish(ctx, notification); err != nil {
				d.logger.Warn("transport publish failed",
					"workflow_id", workflowID,
					"state", target,
					"error", err)
			}
		}
	}
	return nil
}

func (d *Dispatcher) resolveTargets(ctx context.Context, meta *domain.WorkflowMeta, sourceState string, reason domain.NotificationReason) ([]string, error) {
	switch {
	case sourceState == "":
		return meta.StartStates, nil
	case reason == domain.ReasonNeedsAttention || reason == domain.ReasonRetry:
		return []string{sourceState}, nil
	default:
		records, err := d.states.List(ctx, meta.WorkflowID)
		if err != nil {
			return nil, err
		}
		return readiness.NewlyReady(meta, sourceState, readiness.IndexRecords(records)), nil
	}
}

// Subscribe opens a hint channel. Subscribers with an assignee receive only
// hints targeted at it; an empty assignee subscribes to everything.
func (d *Dispatcher) Subscribe(assignee string) (<-chan domain.Notification, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil, nil, domain.ErrNotStarted
	}

	sub := &subscriber{
		id:       uuid.NewString(),
		assignee: assignee,
		channel:  make(chan domain.Notification, d.bufferSize),
	}
	d.subscribers[assignee] = append(d.subscribers[assignee], sub)

	unsubscribe := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.subscribers[assignee]
		for i, candidate := range subs {
			if candidate.id == sub.id {
				d.subscribers[assignee] = append(subs[:i], subs[i+1:]...)
				close(candidate.channel)
				break
			}
		}
	}
	return sub.channel, unsubscribe, nil
}

// deliverLocal sends to the assignee's subscribers plus everyone who
// subscribed without an assignee. Sends never block: the buffered channel
// absorbs bursts and a full one drops. Holding the read lock while sending
// keeps sends serialized against channel closes on unsubscribe and stop.
func (d *Dispatcher) deliverLocal(notification domain.Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return
	}
	audience := make([]*subscriber, 0, len(d.subscribers[""])+4)
	audience = append(audience, d.subscribers[""]...)
	if notification.Assignee != "" {
		audience = append(audience, d.subscribers[notification.Assignee]...)
	}

	for _, sub := range audience {
		select {
		case sub.channel <- notification:
			d.sent()
		default:
			d.dropped(sub, notification)
		}
	}
}

func (d *Dispatcher) sent() {
	if d.metrics != nil {
		d.metrics.IncrementNotificationsSent()
	}
}

func (d *Dispatcher) dropped(sub *subscriber, notification domain.Notification) {
	if d.metrics != nil {
		d.metrics.IncrementNotificationsDropped()
	}
	d.logger.Debug("notification dropped",
		"subscriber", sub.id,
		"assignee", sub.assignee,
		"workflow_id", notification.WorkflowID,
		"state", notification.State,
		"reason", notification.Reason)
}

func (d *Dispatcher) pumpTransport() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case notification, ok := <-d.transport.Receive():
			if !ok {
				return
			}
			d.deliverLocal(notification)
		}
	}
}
