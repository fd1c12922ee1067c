package app

import (
	"context"
	"time"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/eventbus"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/notifier"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/storage"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

// recordEvents writes presence transitions to the store for /history and logs
// delivery events at debug level. st may be nil.
func recordEvents(ctx context.Context, events <-chan eventbus.Event, st storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case eventbus.PresenceChanged:
				if st == nil {
					continue
				}
				wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err := st.AppendTransition(wctx, storage.Transition{
					At:          e.Time,
					UserID:      d.UserID,
					DisplayName: d.DisplayName,
					From:        d.From,
					To:          d.To,
					Status:      d.Status,
				})
				cancel()
				if err != nil {
					log.Warn("presence history write failed", logx.Err(err))
				}
			case notifier.Event:
				log.Debug("event", logx.String("type", e.Type), logx.String("channel", d.Channel), logx.Int64("chat_id", d.ChatID), logx.String("error", d.Error))
			default:
				log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}
