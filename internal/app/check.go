package app

import (
	"context"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/config"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/credstore"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/presence"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/vrchat"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

// CheckOnce loads the config and performs a single status check without
// starting the bot.
func CheckOnce(ctx context.Context, cfgPath string, log logx.Logger) (string, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return "", err
	}
	creds := credstore.New(credstore.Paths{
		Cookies: cfg.CookiesPath(),
		UserID:  cfg.UserIDPath(),
		ChatID:  cfg.ChatIDPath(),
	}, cfg.DefaultChatID())
	client, err := vrchat.New(vrchat.Options{
		BaseURL:   cfg.BaseURL(),
		UserAgent: cfg.VRChat.UserAgent,
		Timeout:   cfg.VRChatTimeout(),
	})
	if err != nil {
		return "", err
	}
	return presence.NewChecker(creds, client, nil, log).CheckNow(ctx), nil
}
