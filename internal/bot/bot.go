package bot

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"hubbot/internal/config"
	"hubbot/internal/fleet"
	"hubbot/internal/snapshot"
)

// JobRunner triggers a scheduled job out of band.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
}

// Bot is the admin command surface over the fleet.
type Bot struct {
	Instance *telego.Bot

	core   *fleet.Core
	engine *snapshot.Engine
	jobs   JobRunner
	cfg    *config.Config
	log    *zap.Logger
}

func NewBot(token string, core *fleet.Core, engine *snapshot.Engine, jobs JobRunner, cfg *config.Config, log *zap.Logger) (*Bot, error) {
	tgBot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance: tgBot,
		core:     core,
		engine:   engine,
		jobs:     jobs,
		cfg:      cfg,
		log:      log.Named("bot"),
	}, nil
}

// Start long-polls until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.Instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	for _, name := range commandNames {
		handler.Handle(b.command, th.CommandEqual(name))
	}

	go func() {
		<-ctx.Done()
		_ = handler.Stop()
	}()

	b.log.Info("bot started", zap.Int("admins", len(b.cfg.AdminIDs)))
	return handler.Start()
}

func (b *Bot) command(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message == nil || message.From == nil {
		return nil
	}
	if !b.cfg.IsAdmin(message.From.ID) {
		b.log.Warn("command from non-admin", zap.Int64("user", message.From.ID))
		return nil
	}

	reply := b.dispatch(ctx.Context(), message.From.ID, message.Text)
	if reply == "" {
		return nil
	}
	for _, part := range chunk(reply, maxMessage) {
		if _, err := ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), part)); err != nil {
			b.log.Warn("reply not sent", zap.Int64("chat", message.Chat.ID), zap.Error(err))
			return nil
		}
	}
	return nil
}
