// Package presence watches one VRChat user and turns state changes into notifications.
package presence

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/eventbus"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/vrchat"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

// CredentialSource is read on every tick so updates apply without a restart.
type CredentialSource interface {
	Credentials() (map[string]string, error)
	TrackedIdentity() (string, bool)
}

type TargetResolver interface {
	ResolveTarget() (transport.ChatTarget, bool)
}

type StatusFetcher interface {
	Fetch(ctx context.Context, identity string, creds map[string]string) (vrchat.Snapshot, error)
}

// Notifier delivers a message. Errors are logged by the caller and never retried here.
type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

type Phase int32

const (
	PhaseWaitingForConfig Phase = iota
	PhasePolling
	PhaseAuthRejected
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingForConfig:
		return "waiting_for_config"
	case PhasePolling:
		return "polling"
	case PhaseAuthRejected:
		return "auth_rejected"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

type PollerConfig struct {
	PollInterval time.Duration
	// IdleWait is used while the user id or cookies are missing.
	IdleWait               time.Duration
	NotifyFirstObservation bool
	NotifyAuthRejected     bool
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 300 * time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 5 * time.Second
	}
	return c
}

const AuthRejectedMessage = "VRChat API returned 403: the cookies are stale or the User-Agent was refused. " +
	"Send fresh cookies with /upload_cookies or /start_cookies."

type PollerDeps struct {
	Register *Register
	Creds    CredentialSource
	Targets  TargetResolver
	Fetcher  StatusFetcher
	Notifier Notifier
	Bus      eventbus.Bus
	Log      logx.Logger
}

// Poller runs the fetch/compare/notify cycle. Tick is not safe for concurrent use;
// Phase, Apply and Poke are.
type Poller struct {
	reg     *Register
	creds   CredentialSource
	targets TargetResolver
	fetch   StatusFetcher
	notify  Notifier
	bus     eventbus.Bus
	log     logx.Logger

	mu  sync.RWMutex
	cfg PollerConfig

	phase  atomic.Int32
	authFP uint64
	lastID string
	wake   chan struct{}

	lastPoll atomic.Int64 // unix nano of the last fetch attempt
}

func NewPoller(cfg PollerConfig, d PollerDeps) *Poller {
	if d.Register == nil {
		d.Register = &Register{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Poller{
		reg:     d.Register,
		creds:   d.Creds,
		targets: d.Targets,
		fetch:   d.Fetcher,
		notify:  d.Notifier,
		bus:     d.Bus,
		log:     d.Log,
		cfg:     cfg.withDefaults(),
		wake:    make(chan struct{}, 1),
	}
}

func (p *Poller) Register() *Register { return p.reg }

func (p *Poller) Phase() Phase { return Phase(p.phase.Load()) }

func (p *Poller) LastPoll() time.Time {
	ns := p.lastPoll.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (p *Poller) Config() PollerConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Apply swaps intervals and flags. The current wait is cut short.
func (p *Poller) Apply(cfg PollerConfig) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
	p.Poke()
}

// Poke makes Run tick now instead of waiting out the interval,
// e.g. right after the operator uploads new cookies.
func (p *Poller) Poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("presence poller started", logx.Duration("poll_interval", p.Config().PollInterval))
	for {
		wait := p.Tick(ctx)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-p.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Tick performs one iteration and returns how long to wait before the next one.
func (p *Poller) Tick(ctx context.Context) time.Duration {
	cfg := p.Config()

	creds, err := p.creds.Credentials()
	if err != nil {
		p.log.Warn("cannot read cookies; treating as missing", logx.Err(err))
		creds = nil
	}
	id, ok := p.creds.TrackedIdentity()
	if !ok || len(creds) == 0 {
		if p.Phase() != PhaseWaitingForConfig {
			p.log.Info("user id or cookies missing; waiting for configuration",
				logx.Bool("user_id_set", ok), logx.Int("cookies", len(creds)))
		}
		p.phase.Store(int32(PhaseWaitingForConfig))
		p.log.Debug("no user id or cookies yet", logx.Duration("wait", cfg.IdleWait))
		return cfg.IdleWait
	}

	if p.lastID != "" && id != p.lastID {
		p.log.Info("tracked user changed; forgetting the last observed state",
			logx.String("from", p.lastID), logx.String("to", id))
		p.reg.Reset()
	}
	p.lastID = id

	fp := fingerprint(creds)
	if p.Phase() == PhaseAuthRejected && fp != p.authFP {
		p.log.Info("cookies changed since the last 403; retrying")
		p.phase.Store(int32(PhasePolling))
	}

	log := p.log.With(logx.String("user_id", id))
	p.lastPoll.Store(time.Now().UnixNano())
	snap, err := p.fetch.Fetch(ctx, id, creds)
	if err != nil {
		if ctx.Err() != nil {
			return cfg.PollInterval
		}
		var se *vrchat.StatusError
		if errors.Is(err, vrchat.ErrAuthRejected) {
			body := ""
			if errors.As(err, &se) {
				body = se.Body
			}
			log.Warn("VRChat API rejected the request (403)", logx.String("body", body))
			if p.Phase() != PhaseAuthRejected {
				p.phase.Store(int32(PhaseAuthRejected))
				p.authFP = fp
				p.bus.Publish(eventbus.Event{Type: eventbus.TypePresenceAuthRejected, Data: eventbus.AuthRejected{UserID: id, Body: body}})
				if cfg.NotifyAuthRejected {
					p.send(ctx, transport.Notification{Channel: "auth", Priority: 8, Text: AuthRejectedMessage})
				}
			}
			return cfg.PollInterval
		}
		log.Warn("VRChat status fetch failed", logx.Err(err))
		return cfg.PollInterval
	}

	if p.Phase() == PhaseAuthRejected {
		log.Info("VRChat accepted the cookies again")
	}
	p.phase.Store(int32(PhasePolling))

	changed, prev := p.reg.CompareAndSet(snap.State)
	if !changed {
		log.Debug("presence unchanged", logx.String("state", snap.State))
		return cfg.PollInterval
	}

	display := snap.DisplayName
	if display == "" {
		display = id
	}
	msg := TransitionMessage(display, snap)
	log.Info("presence changed",
		logx.String("from", prev.String()),
		logx.String("to", snap.State),
		logx.String("display_name", display))
	p.bus.Publish(eventbus.Event{Type: eventbus.TypePresenceChanged, Data: eventbus.PresenceChanged{
		UserID:      id,
		DisplayName: display,
		From:        prev.Value,
		To:          snap.State,
		Status:      snap.Status,
		First:       !prev.Known,
	}})

	if !prev.Known && !cfg.NotifyFirstObservation {
		log.Info("first observation after startup; not notifying", logx.String("state", snap.State))
		return cfg.PollInterval
	}
	p.send(ctx, transport.Notification{Channel: "presence", Priority: 5, Text: msg})
	return cfg.PollInterval
}

// TransitionMessage renders a state change for the chat.
func TransitionMessage(display string, snap vrchat.Snapshot) string {
	if snap.Online() {
		return fmt.Sprintf("%s is now ONLINE: %s", display, snap.Status)
	}
	return fmt.Sprintf("%s is now OFFLINE (state=%s)", display, snap.State)
}

func (p *Poller) send(ctx context.Context, n transport.Notification) {
	tgt, ok := p.targets.ResolveTarget()
	if !ok {
		p.log.Info("no notification chat configured; skipping", logx.String("channel", n.Channel), logx.String("text", n.Text))
		return
	}
	n.Target = tgt
	if err := p.notify.Notify(ctx, n); err != nil {
		p.log.Warn("notification failed", logx.String("channel", n.Channel), logx.Int64("chat_id", tgt.ChatID), logx.Err(err))
	}
}

// fingerprint identifies a cookie set without keeping the secrets around.
func fingerprint(creds map[string]string) uint64 {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(creds[k]))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
