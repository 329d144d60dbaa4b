package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"uploadq/internal/ingest"
	"uploadq/internal/logging"
	"uploadq/internal/queue"
)

// Handler receives one normalized-ready status event per item update. The
// scheduler installs itself here so every mutation funnels through its entry
// points.
type Handler func(itemID string, event ingest.StatusEvent)

// Monitor owns the per-item push subscriptions and the shared polling
// fallback. Both resources follow explicit lifecycle rules: subscriptions are
// started-if-absent per processing item, and the poll loop starts when the
// first processing item appears and stops itself once none remain.
type Monitor struct {
	store    *queue.Store
	client   *ingest.Client
	logger   *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	handler    Handler
	subs       map[string]context.CancelFunc
	pollCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a monitor. The handler is installed separately to break the
// construction cycle with the scheduler.
func New(store *queue.Store, client *ingest.Client, logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Monitor{
		store:    store,
		client:   client,
		logger:   logging.NewComponentLogger(logger, "monitor"),
		interval: interval,
		subs:     make(map[string]context.CancelFunc),
	}
}

// SetHandler installs the event sink. Must be called before Attach or
// EnsurePolling.
func (m *Monitor) SetHandler(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Attach opens the push subscription for a processing item. Attaching an
// already-monitored item is a no-op, so redundant calls are safe.
func (m *Monitor) Attach(ctx context.Context, item *queue.Item) {
	if item == nil || item.RemoteID == "" || item.MonitorEndpoint == "" {
		return
	}

	m.mu.Lock()
	if _, exists := m.subs[item.ID]; exists {
		m.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	m.subs[item.ID] = cancel
	handler := m.handler
	m.mu.Unlock()

	m.wg.Add(1)
	go m.subscribe(subCtx, item.ID, item.MonitorEndpoint, handler)
}

func (m *Monitor) subscribe(ctx context.Context, itemID, endpoint string, handler Handler) {
	defer m.wg.Done()
	defer m.Detach(itemID)

	ticket, err := m.client.Ticket(ctx)
	if err != nil {
		// The polling fallback still covers this item.
		m.logger.Warn("monitor ticket unavailable",
			logging.String(logging.FieldItemID, itemID),
			logging.String(logging.FieldEventType, "push_ticket_unavailable"),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "push channel disabled for this item; polling continues"),
		)
		return
	}

	err = m.client.Subscribe(ctx, endpoint, ticket, func(event ingest.StatusEvent) {
		if handler != nil {
			handler(itemID, event)
		}
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("push subscription ended",
			logging.String(logging.FieldItemID, itemID),
			logging.String(logging.FieldEventType, "push_subscription_ended"),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "polling fallback keeps tracking status"),
		)
	}
}

// Detach tears down the push subscription for an item, if any.
func (m *Monitor) Detach(itemID string) {
	m.mu.Lock()
	cancel, ok := m.subs[itemID]
	if ok {
		delete(m.subs, itemID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Subscribed reports whether a push subscription is active for the item.
func (m *Monitor) Subscribed(itemID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[itemID]
	return ok
}

// EnsurePolling starts the shared poll loop if it is not already running.
// The loop stops itself when no items remain in processing.
func (m *Monitor) EnsurePolling(ctx context.Context) {
	m.mu.Lock()
	if m.pollCancel != nil {
		m.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	m.pollCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.poll(pollCtx)
}

// Polling reports whether the shared poll loop is running.
func (m *Monitor) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCancel != nil
}

func (m *Monitor) poll(ctx context.Context) {
	defer m.wg.Done()
	defer m.stopPolling()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		items, err := m.store.List(ctx, queue.StatusProcessing)
		if err != nil {
			m.logger.Warn("poll tick failed to read queue", logging.Error(err))
			continue
		}
		if len(items) == 0 {
			return
		}

		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()

		// Sequential on purpose: the fallback must not multiply load.
		for _, item := range items {
			if item.RemoteID == "" {
				continue
			}
			event, err := m.client.Status(ctx, item.RemoteID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Debug("status poll failed",
					logging.String(logging.FieldItemID, item.ID),
					logging.Error(err),
				)
				continue
			}
			if handler != nil {
				handler(item.ID, event)
			}
		}
	}
}

func (m *Monitor) stopPolling() {
	m.mu.Lock()
	cancel := m.pollCancel
	m.pollCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop tears down all subscriptions and the poll loop and waits for their
// goroutines to drain.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.subs)+1)
	for id, cancel := range m.subs {
		cancels = append(cancels, cancel)
		delete(m.subs, id)
	}
	if m.pollCancel != nil {
		cancels = append(cancels, m.pollCancel)
		m.pollCancel = nil
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
}
