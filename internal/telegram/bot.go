// Package telegram provides the Telegram admin bot.
package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/user/linearpr/pkg/logger"
)

// Sender delivers messages to Telegram. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotConfig configures NewBot.
type BotConfig struct {
	Token      string
	Debug      bool
	AdminChats []int64 // chats allowed to run repository commands
}

// Bot long-polls Telegram and dispatches admin commands.
type Bot struct {
	api      *tgbotapi.BotAPI
	handlers *Handlers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBot authorizes against Telegram and publishes the command menu.
func NewBot(cfg BotConfig, admin Admin) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorization: %w", err)
	}
	api.Debug = cfg.Debug

	if _, err := api.Request(tgbotapi.NewSetMyCommands(Commands...)); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish Telegram command menu")
	}

	h := NewHandlers(api, admin, cfg.AdminChats)
	h.SetStartTime(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	logger.Info().
		Str("username", api.Self.UserName).
		Int("admin_chats", len(cfg.AdminChats)).
		Msg("Telegram bot authorized")

	return &Bot{api: api, handlers: h, ctx: ctx, cancel: cancel}, nil
}

// Start consumes updates until Stop is called.
func (b *Bot) Start() {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	cfg.AllowedUpdates = []string{"message"}
	updates := b.api.GetUpdatesChan(cfg)

	b.wg.Add(1)
	go b.consume(updates)
	logger.Info().Msg("Telegram bot polling for commands")
}

func (b *Bot) consume(updates tgbotapi.UpdatesChannel) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Message == nil || !u.Message.IsCommand() {
				continue
			}
			b.handlers.HandleCommand(b.ctx, u.Message)
		}
	}
}

// Stop ends polling and waits for the command in flight.
func (b *Bot) Stop() {
	logger.Info().Msg("Stopping Telegram bot")
	b.cancel()
	b.api.StopReceivingUpdates()
	b.wg.Wait()
}

// API exposes the client so notifications share the bot's connection.
func (b *Bot) API() *tgbotapi.BotAPI {
	return b.api
}
