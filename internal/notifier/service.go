package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/eventbus"
	rtsup "github.com/k0rnepl0d/vrchat-notifying-telegram/internal/runtime/supervisor"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/storage"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSender  = errors.New("notifier has no sender")
)

const historyCap = 100

type job struct {
	n   transport.Notification
	key string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  transport.Sender
	mirrors []Mirror
	bus     eventbus.Bus
	store   storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

func WithMirror(m Mirror) Option {
	return func(s *Service) {
		if m != nil {
			s.mirrors = append(s.mirrors, m)
		}
	}
}

func WithStore(st storage.Store) Option {
	return func(s *Service) { s.store = st }
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

func New(cfg Config, sender transport.Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    eventbus.Nop(),
		dedup:  map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps rate, retry and dedup settings. Workers and queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// burst = rate so a heartbeat and a transition landing together both go out at once
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

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
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 64)
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch, workers := s.sup, s.queue, s.persistCh, s.cfg.Workers
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return s.exitReason(c, "dedup persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitReason(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

// exitReason turns a loop return into the supervisor's restart decision:
// shutdown exits are clean, anything else restarts.
func (s *Service) exitReason(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop refuses new work and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
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
		// no Notify is in flight past this point, so nothing writes q or pch
		s.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
			sup.Cancel()
		}
		s.mu.Lock()
		s.queue, s.persistCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("notifier drain timed out; dropping queued messages", logx.Int("queued", len(q)))
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify queues n, or sends it inline when the pipeline is disabled. A nil
// return for a queued message means accepted, not delivered; delivery failures
// are logged by the worker.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	cfg := s.cfg
	sender := s.sender
	q := s.queue
	accepting := s.accepting
	pch := s.persistCh
	if cfg.Enabled && accepting && q != nil {
		s.sendWG.Add(1)
		defer s.sendWG.Done()
	}
	s.mu.Unlock()

	if sender == nil {
		return ErrNoSender
	}
	if n.DedupKey != "" && cfg.DedupWindow > 0 && !s.dedupAllow(ctx, n.DedupKey, cfg, pch) {
		s.log.Debug("notification suppressed by dedup", logx.String("channel", n.Channel), logx.String("key", n.DedupKey))
		return nil
	}

	if !cfg.Enabled {
		err := s.sendOnce(ctx, n)
		s.finish(ctx, job{n: n, key: n.DedupKey}, err)
		return err
	}
	if !accepting || q == nil {
		return ErrStopped
	}
	select {
	case q <- job{n: n, key: n.DedupKey}:
		return nil
	default:
		s.publish(eventbus.TypeNotifyFailed, n, n.DedupKey, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(n transport.Notification) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: n.Channel, Text: n.Text})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
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
			s.finish(ctx, j, s.sendWithRetry(ctx, j))
		}
	}
}

func (s *Service) sendOnce(ctx context.Context, n transport.Notification) error {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if n.Text == "" {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := sender.SendText(cctx, n.Target, n.Text, n.Options)
	return err
}

func (s *Service) sendWithRetry(ctx context.Context, j job) error {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		err := s.sendOnce(ctx, j.n)
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("notification send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// finish logs the outcome, records history, publishes the bus event and feeds mirrors.
func (s *Service) finish(ctx context.Context, j job, err error) {
	if err != nil {
		s.log.Warn("notification delivery failed",
			logx.String("channel", j.n.Channel),
			logx.Int64("chat_id", j.n.Target.ChatID),
			logx.Err(err))
		s.publish(eventbus.TypeNotifyFailed, j.n, j.key, err)
		return
	}
	s.appendHistory(j.n)
	s.publish(eventbus.TypeNotifySent, j.n, j.key, nil)

	for _, m := range s.mirrors {
		mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if merr := m.Mirror(mctx, j.n.Channel, j.n.Text); merr != nil {
			s.log.Warn("notification mirror failed", logx.String("mirror", m.Name()), logx.Err(merr))
		}
		cancel()
	}
}

func (s *Service) publish(typ string, n transport.Notification, key string, err error) {
	now := time.Now()
	ev := Event{Channel: n.Channel, ChatID: n.Target.ChatID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// dedupAllow reports whether key may be delivered now and, if so, opens a new window for it.
func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan<- dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			oldest string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if oldest == "" || u.Before(minT) {
				oldest, minT = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	switch {
	case pch != nil:
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	case cfg.PersistDedup && s.store != nil:
		// pipeline disabled: write inline
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		_ = s.store.PutDedup(cctx, key, until)
		cancel()
	}
	return true
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
