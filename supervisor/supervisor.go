package supervisor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultThreshold is the per-category count that triggers a reset.
const DefaultThreshold = 5

// Resetter tears down live subscriptions. *subscription.Registry satisfies it.
type Resetter interface {
	Cleanup()
}

// Stats is a snapshot of the supervisor counters.
type Stats struct {
	Counts map[Category]int64
	Resets int64
}

// Supervisor counts classified failures and triggers a reset when a
// category reaches the threshold. Counters are never cleared by a reset;
// ResetCounts clears them and re-arms every category.
type Supervisor struct {
	resetter  Resetter
	threshold int64
	logger    *slog.Logger
	hooks     []func(Category)

	mu     sync.Mutex
	counts map[Category]int64
	fired  map[Category]bool
	resets int64

	errorsTotal *prometheus.CounterVec
	resetsTotal prometheus.Counter
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithThreshold sets the reset threshold.
func WithThreshold(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.threshold = int64(n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithResetHook adds a function run after each reset, e.g. to reopen
// subscriptions and schedule a refresh.
func WithResetHook(fn func(Category)) Option {
	return func(s *Supervisor) { s.hooks = append(s.hooks, fn) }
}

// WithMetrics registers prometheus counters on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Supervisor) {
		if reg == nil {
			return
		}
		factory := promauto.With(reg)
		s.errorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tillsync",
			Subsystem: "supervisor",
			Name:      "errors_total",
			Help:      "Remote failures by category.",
		}, []string{"category"})
		s.resetsTotal = factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tillsync",
			Subsystem: "supervisor",
			Name:      "resets_total",
			Help:      "Subscription resets triggered by failure thresholds.",
		})
	}
}

// New creates a supervisor that resets resetter. A nil resetter only counts.
func New(resetter Resetter, opts ...Option) *Supervisor {
	s := &Supervisor{
		resetter:  resetter,
		threshold: DefaultThreshold,
		logger:    slog.Default(),
		counts:    make(map[Category]int64),
		fired:     make(map[Category]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Threshold returns the configured threshold.
func (s *Supervisor) Threshold() int64 { return s.threshold }

// Record counts one failure of category and returns the new count. When the
// count first reaches the threshold the reset runs once.
func (s *Supervisor) Record(category Category) int64 {
	s.mu.Lock()
	s.counts[category]++
	n := s.counts[category]
	trigger := n >= s.threshold && !s.fired[category]
	if trigger {
		s.fired[category] = true
		s.resets++
	}
	s.mu.Unlock()

	if s.errorsTotal != nil {
		s.errorsTotal.WithLabelValues(string(category)).Inc()
	}
	if trigger {
		s.reset(category, n)
	}
	return n
}

// ShouldReset reports whether category has reached the threshold.
func (s *Supervisor) ShouldReset(category Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[category] >= s.threshold
}

func (s *Supervisor) reset(category Category, count int64) {
	s.logger.Warn("failure threshold reached, resetting subscriptions",
		"category", category,
		"count", count,
		"threshold", s.threshold,
	)
	if s.resetsTotal != nil {
		s.resetsTotal.Inc()
	}
	if s.resetter != nil {
		s.resetter.Cleanup()
	}
	for _, hook := range s.hooks {
		hook(category)
	}
}

// Report classifies err and records it. A nil error is ignored.
func (s *Supervisor) Report(err error) Category {
	if err == nil {
		return ""
	}
	category := Classify(err)
	n := s.Record(category)
	s.logger.Debug("failure recorded", "category", category, "count", n, "error", err)
	return category
}

// Sink returns Report as a plain error sink for other components.
func (s *Supervisor) Sink() func(error) {
	return func(err error) { s.Report(err) }
}

// Watch reports every error received on errs until errs is closed or ctx
// ends.
func (s *Supervisor) Watch(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.Report(err)
		}
	}
}

// ResetCounts clears every counter and re-arms the reset trigger.
func (s *Supervisor) ResetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[Category]int64)
	s.fired = make(map[Category]bool)
}

// Stats returns a snapshot of the counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Category]int64, len(s.counts))
	for k, v := range s.counts {
		counts[k] = v
	}
	return Stats{Counts: counts, Resets: s.resets}
}
