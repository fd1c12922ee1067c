// Package discord mirrors notifications into a Discord channel through a webhook.
package discord

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// maxContent is Discord's message content limit.
const maxContent = 2000

type executor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Webhook posts plain text as the configured username. It never pings anyone.
type Webhook struct {
	id       string
	token    string
	username string
	exec     executor
}

func NewWebhook(id, token, username string) (*Webhook, error) {
	id, token = strings.TrimSpace(id), strings.TrimSpace(token)
	if id == "" || token == "" {
		return nil, errors.New("discord webhook id and token are required")
	}
	// webhook execution is unauthenticated; the session only supplies the HTTP client
	dg, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	return &Webhook{id: id, token: token, username: username, exec: dg}, nil
}

func (w *Webhook) Name() string { return "discord" }

func (w *Webhook) Mirror(ctx context.Context, channel, text string) error {
	content := Content(channel, text)
	if content == "" {
		return nil
	}
	_, err := w.exec.WebhookExecute(w.id, w.token, false, &discordgo.WebhookParams{
		Content:         content,
		Username:        w.username,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	return err
}

// Content renders a notification for Discord, tagging non-presence channels and
// clipping to the content limit on a rune boundary.
func Content(channel, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if channel != "" && channel != "presence" {
		text = "[" + channel + "] " + text
	}
	if len(text) <= maxContent {
		return text
	}
	cut := maxContent - len("...")
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
