package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hako/durafmt"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/schedule"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

type HeartbeatConfig struct {
	Schedule schedule.Schedule
	// Notify sends the heartbeat to the chat; it is always logged.
	Notify bool
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	if c.Schedule.Kind == schedule.KindInterval && c.Schedule.Every <= 0 {
		c.Schedule = schedule.Every(30 * time.Minute)
	}
	return c
}

// Heartbeat periodically proves the process is alive. Delivery failures are
// logged and never stop the loop.
type Heartbeat struct {
	targets TargetResolver
	notify  Notifier
	log     logx.Logger
	started time.Time
	now     func() time.Time

	mu    sync.RWMutex
	cfg   HeartbeatConfig
	reset chan struct{}
}

func NewHeartbeat(cfg HeartbeatConfig, targets TargetResolver, notify Notifier, log logx.Logger) *Heartbeat {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Heartbeat{
		targets: targets,
		notify:  notify,
		log:     log,
		started: time.Now(),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		reset:   make(chan struct{}, 1),
	}
}

func (h *Heartbeat) Apply(cfg HeartbeatConfig) {
	h.mu.Lock()
	h.cfg = cfg.withDefaults()
	h.mu.Unlock()
	select {
	case h.reset <- struct{}{}:
	default:
	}
}

func (h *Heartbeat) config() HeartbeatConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Heartbeat) Uptime() time.Duration { return h.now().Sub(h.started) }

func (h *Heartbeat) Message() string {
	now := h.now()
	up := durafmt.Parse(now.Sub(h.started).Round(time.Second)).LimitFirstN(2).String()
	return fmt.Sprintf("Heartbeat: bot is alive, presence polling is running. uptime %s (%s)", up, now.Format("2006-01-02 15:04:05"))
}

// Beat emits one heartbeat.
func (h *Heartbeat) Beat(ctx context.Context) {
	msg := h.Message()
	h.log.Info(msg)
	if !h.config().Notify {
		return
	}
	tgt, ok := h.targets.ResolveTarget()
	if !ok {
		h.log.Info("no notification chat configured; heartbeat not sent")
		return
	}
	if err := h.notify.Notify(ctx, transport.Notification{Channel: "heartbeat", Priority: 1, Target: tgt, Text: msg}); err != nil {
		h.log.Warn("heartbeat delivery failed", logx.Int64("chat_id", tgt.ChatID), logx.Err(err))
	}
}

// Run beats once immediately and then on schedule until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.log.Info("heartbeat started", logx.String("schedule", h.config().Schedule.String()))
	h.Beat(ctx)
	for {
		next := h.config().Schedule.Next(h.now())
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-h.reset:
			// schedule changed; recompute without beating
			t.Stop()
			continue
		case <-t.C:
		}
		h.Beat(ctx)
	}
}
