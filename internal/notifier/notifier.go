// Package notifier tells admin chats about pull requests the pipeline opened.
package notifier

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/matcher"
	"github.com/user/linearpr/internal/storage"
	"github.com/user/linearpr/internal/telegram"
	"github.com/user/linearpr/pkg/logger"
)

// Notifier sends notifications to Telegram chats.
type Notifier struct {
	bot        telegram.Sender
	chats      []int64
	msgBuilder *telegram.MessageBuilder
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bot telegram.Sender, chats []int64) *Notifier {
	return &Notifier{
		bot:        bot,
		chats:      chats,
		msgBuilder: telegram.NewMessageBuilder(),
	}
}

// PullRequestCreated announces a new draft pull request to every chat. It
// keeps going past failed chats and returns their errors joined.
func (n *Notifier) PullRequestCreated(_ context.Context, repo *storage.Repository, issue *matcher.MatchedIssue, pr *github.PullRequest) error {
	if len(n.chats) == 0 {
		return nil
	}

	message := n.msgBuilder.BuildPullRequestMessage(repo, issue, pr)

	var errs []error
	for _, chatID := range n.chats {
		if err := n.sendNotification(chatID, message); err != nil {
			logger.Error().
				Err(err).
				Int64("chat_id", chatID).
				Msg("Failed to send notification")
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) sendNotification(chatID int64, message string) error {
	msg := tgbotapi.NewMessage(chatID, message)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	_, err := n.bot.Send(msg)
	return err
}
