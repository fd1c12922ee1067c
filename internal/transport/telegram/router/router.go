package router

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "github.com/k0rnepl0d/vrchat-notifying-telegram/internal/runtime/supervisor"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

const (
	defaultWorkers = 4
	shardQueue     = 64
)

// Router is safe for concurrent use. Registry and owners may be swapped while dispatching.
type Router struct {
	mu       sync.RWMutex
	cmds     map[string]*Command // name and aliases
	ordered  []Command
	fallback HandlerFunc
	owners   []int64

	log    logx.Logger
	sender transport.Sender
	mw     []Middleware

	workers int
	shards  []chan func()
	running atomic.Bool
}

func New(log logx.Logger, sender transport.Sender, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cmds:    map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		log:     log.With(logx.String("comp", "telegram.router")),
		sender:  sender,
		workers: defaultWorkers,
	}
}

// Use appends middleware applied inside panic recovery and request logging.
func (r *Router) Use(m ...Middleware) { r.mw = append(r.mw, m...) }

func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

// SetFallback handles non-command messages and documents.
func (r *Router) SetFallback(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// SetCommands replaces the registry. /help is always added.
func (r *Router) SetCommands(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show this help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.HelpText())
		},
	})

	byName := map[string]*Command{}
	// cap is fixed up front so pointers into ordered stay valid
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		ordered = append(ordered, cc)
		p := &ordered[len(ordered)-1]
		byName[name] = p
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = p
				}
			}
		}
	}
	r.mu.Lock()
	r.cmds = byName
	r.ordered = ordered
	r.mu.Unlock()
}

// Commands returns the registry in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.ordered...)
}

// MenuCommands builds the Telegram command menu from the registry.
func (r *Router) MenuCommands() []transport.BotCommand {
	cmds := r.Commands()
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		d := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if d == "" {
			d = c.Name
		}
		if len(d) > 256 {
			d = d[:256]
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: d})
	}
	return out
}

func (r *Router) HelpText() string {
	cmds := r.Commands()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString(" (owner)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// DispatchLoop consumes updates until ctx is done or updates is closed. Each
// chat is pinned to one worker so its messages are handled in arrival order.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	shards := make([]chan func(), r.workers)
	for i := range shards {
		shards[i] = make(chan func(), shardQueue)
	}
	r.mu.Lock()
	r.shards = shards
	r.mu.Unlock()
	r.running.Store(true)
	r.log.Info("command dispatcher started", logx.Int("workers", len(shards)))

	for i, q := range shards {
		idx, q := i, q
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-q:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		r.running.Store(false)
		r.mu.Lock()
		r.shards = nil
		r.mu.Unlock()
		for _, q := range shards {
			close(q)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Route builds the request for up and schedules it. Without a running
// dispatcher the handler runs inline, which is what tests rely on.
func (r *Router) Route(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	owners := r.owners
	fallback := r.fallback
	var cmd *Command
	name, rest, isCmd := parseCommand(msg.Text)
	if isCmd && msg.Document == nil {
		cmd = r.cmds[name]
	}
	r.mu.RUnlock()

	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Owner:        len(owners) == 0 || isOwner(msg.FromID, owners),
		ReqID:        newReqID(),
		Sender:       r.sender,
	}

	var (
		h       HandlerFunc
		timeout time.Duration
	)
	switch {
	case cmd != nil:
		if cmd.Access == AccessOwnerOnly && !req.Owner {
			r.log.Warn("command refused", logx.String("cmd", cmd.Name), logx.Int64("from_id", msg.FromID))
			_ = req.Reply(ctx, "unauthorized")
			return
		}
		req.Command, req.ArgText, req.Args = cmd.Name, rest, strings.Fields(rest)
		h, timeout = cmd.Handle, cmd.Timeout
	case isCmd && msg.Document == nil && fallback == nil:
		_ = req.Reply(ctx, "unknown command, try /help")
		return
	case fallback != nil:
		h = fallback
	default:
		return
	}

	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", chat.ChatID),
		logx.Int64("from_id", msg.FromID),
	)
	mws := append([]Middleware{MWPanicRecover(r.log), MWRequestLog(r.log)}, r.mw...)
	mws = append(mws, MWTimeout(timeout))
	final := Chain(h, mws...)

	if !r.running.Load() {
		_ = final(ctx, req)
		return
	}
	if !r.enqueue(chat.ChatID, func() { _ = final(ctx, req) }) {
		_ = req.Reply(ctx, "busy, try again")
	}
}

func (r *Router) enqueue(chatID int64, fn func()) (ok bool) {
	r.mu.RLock()
	shards := r.shards
	r.mu.RUnlock()
	if len(shards) == 0 {
		return false
	}
	// a send racing shutdown may hit a closed shard
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	idx := chatID % int64(len(shards))
	if idx < 0 {
		idx = -idx
	}
	select {
	case shards[idx] <- fn:
		return true
	default:
		return false
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

var ridSeq atomic.Uint64

// newReqID is a short log correlation id: base36 time, sequence and two random chars.
func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) +
		string(alpha[rand.Intn(len(alpha))]) + string(alpha[rand.Intn(len(alpha))])
}
