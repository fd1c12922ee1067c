package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/storage"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.String("cmd", req.Command),
				logx.Duration("dur", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case req.Command != "":
				logger.Info("command handled", fields...)
			default:
				logger.Debug("message handled", fields...)
			}
			return err
		}
	}
}

// MWAudit records every command in the store. Argument text is not stored for
// commands listed in redact (cookie uploads).
func MWAudit(st storage.Store, redact ...string) Middleware {
	hidden := map[string]bool{}
	for _, r := range redact {
		hidden[r] = true
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if st == nil || req.Command == "" {
				return next(ctx, req)
			}
			start := time.Now()
			err := next(ctx, req)
			e := storage.AuditEntry{
				At:            start,
				ActorID:       req.FromID,
				ActorUsername: req.FromUsername,
				ChatID:        req.Chat.ChatID,
				Command:       req.Command,
				OK:            err == nil,
				TookMS:        time.Since(start).Milliseconds(),
			}
			if !hidden[req.Command] {
				e.Args = req.ArgText
			}
			if err != nil {
				e.Error = err.Error()
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if aerr := st.AppendAudit(actx, e); aerr != nil {
				req.Logger.Debug("audit write failed", logx.Err(aerr))
			}
			cancel()
			return err
		}
	}
}
