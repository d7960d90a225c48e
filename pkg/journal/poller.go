package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/ids"
)

// Scanner is the slice of [eventdag.Store] the Poller needs: a restartable
// range scan. Defined locally (rather than importing eventdag) to avoid a
// dependency cycle, since eventdag does not depend on journal.
type Scanner interface {
	Scan(ctx context.Context, tenant ids.TenantID, fromSeq, toSeq uint64) ([]*event.Event, error)
}

// CursorHint is an optional, purely advisory shared cache of a consumer's
// last-observed seq per tenant. A cache miss or stale value only costs an
// extra full rescan from zero — correctness never depends on it: for the
// multi-instance variant, the event DAG itself is the journal.
type CursorHint interface {
	Get(ctx context.Context, tenant ids.TenantID, consumer string) (seq uint64, ok bool)
	Set(ctx context.Context, tenant ids.TenantID, consumer string, seq uint64)
}

// Poller is the multi-instance [Notifier]: it keeps no storage of its own
// and derives changes by periodically re-scanning the event DAG store for
// seqs past each subscriber's cursor. This is the variant used whenever
// more than one CALIBER process shares a store, since no external pub/sub
// (no LISTEN/NOTIFY, no message broker) is required.
type Poller struct {
	store        Scanner
	pollInterval time.Duration
	hint         CursorHint
	logger       *slog.Logger

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	nextID  int
	cancels []func()
}

// PollerOption configures a [Poller] at construction time.
type PollerOption func(*Poller)

// WithCursorHint attaches an advisory [CursorHint] so a freshly started
// subscriber can skip a cold full-history rescan.
func WithCursorHint(hint CursorHint) PollerOption {
	return func(p *Poller) { p.hint = hint }
}

// WithLogger sets the logger used for scan-failure diagnostics. Defaults
// to [slog.Default].
func WithLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

// NewPoller returns a Poller that re-scans store every pollInterval
// (clamped to a 10ms floor to avoid a runaway busy loop from
// misconfiguration). pollInterval should come from the `poll_interval_ms`
// config option (typical 50-500ms).
func NewPoller(store Scanner, pollInterval time.Duration, opts ...PollerOption) *Poller {
	if pollInterval < 10*time.Millisecond {
		pollInterval = 10 * time.Millisecond
	}
	p := &Poller{
		store:        store,
		pollInterval: pollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish implements [Notifier]. The event DAG store is already the
// journal's source of truth, so Publish only refreshes the cursor hint
// cache (if configured) rather than fanning out to subscribers directly —
// subscribers observe the append on their own next poll tick.
func (p *Poller) Publish(ctx context.Context, e *event.Event) {
	if p.hint == nil {
		return
	}
	p.hint.Set(ctx, e.Tenant, "", e.MonotonicSeq)
}

// Subscribe implements [Notifier]. It starts a background goroutine that
// scans tenant's chain every pollInterval starting from the tenant's
// current tip (or the cursor hint, if present and non-stale), emitting a
// Change for every event whose seq is newly observed.
func (p *Poller) Subscribe(tenant ids.TenantID) (<-chan Change, func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	ch := make(chan Change, 64)
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.cancels = append(p.cancels, cancel)
	p.mu.Unlock()

	consumer := consumerName(id)
	cursor := uint64(0)
	if p.hint != nil {
		if seq, ok := p.hint.Get(ctx, tenant, consumer); ok {
			cursor = seq
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(ch)

		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				events, err := p.store.Scan(ctx, tenant, cursor, 0)
				if err != nil {
					p.logger.Warn("journal/poller: scan failed",
						"tenant", tenant.String(), "error", err)
					continue
				}
				for _, e := range events {
					change := Change{Tenant: e.Tenant, Seq: e.MonotonicSeq, Kind: e.Kind}
					select {
					case ch <- change:
						cursor = e.MonotonicSeq + 1
					case <-ctx.Done():
						return
					}
				}
				if p.hint != nil && len(events) > 0 {
					p.hint.Set(ctx, tenant, consumer, cursor-1)
				}
			}
		}
	}()

	once := sync.Once{}
	release := func() {
		once.Do(cancel)
	}
	return ch, release
}

// Close implements [Notifier]. It cancels every outstanding subscription
// goroutine and waits for them to exit.
func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancels := p.cancels
	p.cancels = nil
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	p.wg.Wait()
	return nil
}

func consumerName(id int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	if id == 0 {
		return "c0"
	}
	buf := make([]byte, 0, 8)
	buf = append(buf, 'c')
	n := id
	for n > 0 {
		buf = append(buf, letters[n%len(letters)])
		n /= len(letters)
	}
	return string(buf)
}
