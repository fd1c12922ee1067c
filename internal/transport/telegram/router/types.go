// Package router turns Telegram updates into command handler calls.
//
// Commands are single words (/set_user_id, /status). Messages that are not a
// known command, and document uploads, go to the fallback handler so the bot
// can run multi-message sessions. Updates from one chat are handled in order.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessOwnerOnly is open to everyone while no owners are configured.
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update       transport.Update
	Chat         transport.ChatTarget
	FromID       int64
	FromUsername string
	// Owner is true for configured owners, and for everyone while no owners are configured.
	Owner bool

	// Command is empty for fallback requests.
	Command string
	// ArgText is everything after the command word, untouched; Args is its fields.
	ArgText string
	Args    []string
	ReqID   string

	Sender transport.Sender
	Logger logx.Logger
}

func (r *Request) Message() *transport.Message { return r.Update.Message }

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.Sender == nil {
		return nil
	}
	_, err := r.Sender.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

// parseCommand splits "/cmd@bot rest of text" into ("cmd", "rest of text").
// ok is false when text is not a command.
func parseCommand(text string) (name, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	word, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexAny(word, "\n\t"); i >= 0 {
		rest = word[i:] + " " + rest
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	if word == "" {
		return "", "", false
	}
	return word, strings.TrimSpace(rest), true
}
