package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Status is the connection health of a subscription, exposed so the UI
// can render a "reconnecting" indicator without owning retry logic.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"

	// StatusError is terminal for a subscription instance. No further
	// automatic retries happen; the owning view must start a fresh
	// subscription to recover.
	StatusError Status = "error"
)

// Backoff bounds for disconnect-driven reconnects.
const (
	DefaultMaxRetries   = 5
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
)

var (
	// ErrMissingID indicates a subscription was configured without an id.
	ErrMissingID = errors.New("subscription id is required")

	// ErrMissingFactory indicates a subscription has no feed factory.
	ErrMissingFactory = errors.New("feed factory is required")
)

// BackoffConfig configures the reconnect schedule. The delay before
// retry n is min(InitialDelay * 2^n, MaxDelay).
type BackoffConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultBackoffConfig returns the production reconnect schedule:
// 1s, 2s, 4s, 8s, 16s, capped at 30s, at most 5 retries.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
}

// DelayFunc produces the timer channel a reconnect waits on. Production
// code uses time.After; tests inject a fake so backoff is deterministic.
type DelayFunc func(time.Duration) <-chan time.Time

// State is a point-in-time snapshot of a subscription.
type State struct {
	ID            string
	Status        Status
	LastConnected time.Time
	RetryCount    int
}

// SubscriptionConfig configures a Subscription.
type SubscriptionConfig struct {
	// ID names the subscription; see the *SubscriptionID helpers.
	ID string

	// Factory opens the underlying feed connection. Called at start
	// and before every reconnect; the previous connection is always
	// closed first.
	Factory FeedFactory

	// Backoff bounds the reconnect schedule. Zero values fall back to
	// the defaults.
	Backoff BackoffConfig

	// OnStatus is invoked exactly once per state transition, in the
	// order transitions occur. Optional.
	OnStatus func(Status)

	// OnEvent receives change and presence events from the live feed.
	// Optional.
	OnEvent func(Event)

	// Delay overrides the backoff timer. Nil means time.After.
	Delay DelayFunc

	Logger *slog.Logger
}

// Subscription keeps one feed subscription alive across transient
// failures with bounded, backing-off retry.
//
// State machine: connecting -> connected on the feed's subscribed ack;
// connected -> disconnected on a disconnect notification; disconnected
// -> connecting automatically after the computed delay while the retry
// budget lasts, -> error once it is exhausted. A channel-level error
// moves any state to error. Reaching connected resets the retry counter.
type Subscription struct {
	id       string
	factory  FeedFactory
	backoff  BackoffConfig
	onStatus func(Status)
	onEvent  func(Event)
	delay    DelayFunc
	logger   *slog.Logger

	mu            sync.Mutex
	status        Status
	retryCount    int
	lastConnected time.Time
	started       bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscription validates cfg and builds a subscription. The feed is
// not opened until Start.
func NewSubscription(cfg SubscriptionConfig) (*Subscription, error) {
	if cfg.ID == "" {
		return nil, ErrMissingID
	}
	if cfg.Factory == nil {
		return nil, ErrMissingFactory
	}

	backoff := cfg.Backoff
	if backoff.MaxRetries <= 0 {
		backoff.MaxRetries = DefaultMaxRetries
	}
	if backoff.InitialDelay <= 0 {
		backoff.InitialDelay = DefaultInitialDelay
	}
	if backoff.MaxDelay <= 0 {
		backoff.MaxDelay = DefaultMaxDelay
	}

	delay := cfg.Delay
	if delay == nil {
		delay = time.After
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Subscription{
		id:       cfg.ID,
		factory:  cfg.Factory,
		backoff:  backoff,
		onStatus: cfg.OnStatus,
		onEvent:  cfg.OnEvent,
		delay:    delay,
		logger:   logger.With("subscription_id", cfg.ID),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Start opens the feed and runs the reconnect loop until ctx is
// canceled, Close is called, or the subscription reaches error.
// Starting twice is a no-op.
func (s *Subscription) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.transition(StatusConnecting)
	go s.run(ctx)
}

// Close tears down the feed connection and stops the reconnect loop.
// It blocks until the loop has exited. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()

		if !started {
			// Never started: nothing to stop.
			close(s.done)
			return
		}
		s.cancel()
		<-s.done
	})
}

// State returns a snapshot of the subscription's connection state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		ID:            s.id,
		Status:        s.status,
		LastConnected: s.lastConnected,
		RetryCount:    s.retryCount,
	}
}

// Status returns the current connection status.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	for {
		feed, err := s.factory(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("feed setup failed", "error", err)
			// A failed setup is handled like an immediate disconnect.
			if !s.scheduleReconnect(ctx) {
				return
			}
			continue
		}

		reconnect := s.consume(ctx, feed)
		if err := feed.Close(); err != nil {
			s.logger.Debug("feed close failed", "error", err)
		}
		if !reconnect {
			return
		}
		if !s.scheduleReconnect(ctx) {
			return
		}
	}
}

// consume drains feed events until the feed dies or the subscription is
// stopped. It returns true when the caller should attempt a reconnect.
func (s *Subscription) consume(ctx context.Context, feed Feed) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case ev, ok := <-feed.Events():
			if !ok {
				// Connection died without a notification.
				return true
			}

			switch ev.Type {
			case EventSubscribed:
				s.mu.Lock()
				s.retryCount = 0
				s.lastConnected = time.Now()
				s.mu.Unlock()
				s.transition(StatusConnected)

			case EventChange, EventPresence:
				if s.onEvent != nil {
					s.onEvent(ev)
				}

			case EventDisconnected:
				return true

			case EventError:
				s.logger.Warn("feed error, subscription terminated", "error", ev.Err)
				s.transition(StatusError)
				return false
			}
		}
	}
}

// scheduleReconnect moves the machine through disconnected and, when
// the retry budget allows, waits out the backoff delay and re-enters
// connecting. It returns false when no reconnect should happen.
func (s *Subscription) scheduleReconnect(ctx context.Context) bool {
	s.transition(StatusDisconnected)

	s.mu.Lock()
	retry := s.retryCount
	if retry >= s.backoff.MaxRetries {
		s.mu.Unlock()
		s.logger.Warn("retry budget exhausted", "retries", retry)
		s.transition(StatusError)
		return false
	}
	s.retryCount++
	s.mu.Unlock()

	delay := min(s.backoff.InitialDelay<<retry, s.backoff.MaxDelay)
	s.logger.Debug("reconnecting after delay", "attempt", retry+1, "delay", delay)

	select {
	case <-ctx.Done():
		return false
	case <-s.delay(delay):
	}

	s.transition(StatusConnecting)
	return true
}

// transition records the new status and notifies the observer. All
// transitions happen on the run goroutine (plus the initial connecting
// in Start, before the goroutine exists), so observers see them in
// order, exactly once each.
func (s *Subscription) transition(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	if s.onStatus != nil {
		s.onStatus(status)
	}
}
