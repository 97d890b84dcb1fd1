package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"courtbot/internal/eventbus"
	"courtbot/internal/race"
	"courtbot/internal/runtime/supervisor"
	kit "courtbot/internal/transport"
	logx "courtbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	defaultWorkers    = 2
	defaultQueueSize  = 256
	defaultRatePerSec = 3
	defaultRetryBase  = 500 * time.Millisecond
	defaultRetryMax   = 10 * time.Second
	defaultDedupMax   = 2000
	historyLimit      = 300
	sendTimeout       = 10 * time.Second
)

type job struct {
	n        kit.Notification
	dedupKey string
}

// Service is an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue        chan job
	sup          *supervisor.Supervisor
	stopOutcomes context.CancelFunc
	stopDone     chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a stopped service. bus may be nil; when set, Start subscribes to
// finished sessions and lifecycle events are published on it.
func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps limits, target and filters. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMax
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = defaultDedupMax
	}
	s.cfg = cfg
	// burst = rate so short spikes pass without waiting
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers and the outcome subscriber. It is idempotent
// and does nothing while the service is disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "notifier.supervisor"))),
		// notifications are best-effort; a failing worker never stops the process
		supervisor.WithCancelOnError(false),
	)
	sup, q := s.sup, s.queue

	var outcomes <-chan eventbus.Event
	var unsubscribe func()
	if s.bus != nil {
		outcomes, unsubscribe = s.bus.Subscribe(64)
	}
	octx, ocancel := context.WithCancel(sup.Context())
	s.stopOutcomes = ocancel
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if s.stopping() {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		})
	}
	if outcomes != nil {
		sup.Go0("outcomes", func(context.Context) {
			defer unsubscribe()
			s.outcomeLoop(octx, outcomes)
		})
	}
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, stopOutcomes := s.queue, s.sup, s.stopOutcomes
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		if stopOutcomes != nil {
			stopOutcomes()
		}
		// in-flight Notify calls finish before the queue closes
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopOutcomes = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues n. Duplicates inside the dedup window are accepted and dropped.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if window > 0 && key != "" && !s.dedupAllow(key, window, maxEntries) {
		s.publish(TypeDeduped, n, key, nil)
		return nil
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		s.publish(TypeQueued, n, key, nil)
		return nil
	default:
		s.publish(TypeDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns the sent-message history, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, n kit.Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// outcomeLoop turns finished sessions into notifications.
func (s *Service) outcomeLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.TypeSessionFinished {
				continue
			}
			fin, ok := e.Data.(race.FinishedEvent)
			if !ok {
				continue
			}
			s.mu.Lock()
			target, filter := s.cfg.Target, s.cfg.Statuses
			s.mu.Unlock()
			if target.ChatID == 0 || !wantStatus(filter, fin.View.Status) {
				continue
			}
			err := s.Notify(ctx, kit.Notification{
				Channel: "telegram",
				Target:  target,
				Text:    FormatOutcome(fin),
				Options: &kit.SendOptions{DisablePreview: true},
				Key:     outcomeKey(fin),
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("outcome notification not queued", logx.String("sid", fin.View.ID), logx.Err(err))
			}
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	if sender == nil || j.n.Text == "" {
		return
	}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := sender.SendText(callCtx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			s.appendHistory(j.n.Text)
			s.publish(TypeSent, j.n, j.dedupKey, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification failed", logx.Err(lastErr), logx.Int("attempts", maxAttempts))
	s.publish(TypeFailed, j.n, j.dedupKey, lastErr)
}

func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID)
	if n.Key != "" {
		_, _ = h.Write([]byte(n.Key))
	} else {
		_, _ = h.Write([]byte(n.Text))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// over cap: drop the entries that expire first
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), jittered
// 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	base, maxD := cfg.RetryBase, cfg.RetryMaxDelay
	if base <= 0 {
		base = defaultRetryBase
	}
	if maxD <= 0 {
		maxD = defaultRetryMax
	}
	d := base
	for i := 1; i < attempt && d < maxD; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > maxD {
		d = maxD
	}
	return d
}
