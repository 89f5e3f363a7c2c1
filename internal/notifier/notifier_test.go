package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/matcher"
	"github.com/user/linearpr/internal/storage"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	fail map[int64]bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if f.fail[msg.ChatID] {
		return tgbotapi.Message{}, errors.New("chat not found")
	}
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{}, nil
}

func TestPullRequestCreated(t *testing.T) {
	sender := &fakeSender{fail: map[int64]bool{2: true}}
	n := NewNotifier(sender, []int64{1, 2, 3})

	repo := &storage.Repository{Owner: "letrazapp", Name: "letraz"}
	issue := &matcher.MatchedIssue{Identifier: "LET-55", Title: "Add *export*", URL: "https://linear.app/i/LET-55"}
	pr := &github.PullRequest{Number: 101, URL: "https://github.com/letrazapp/letraz/pull/101", HeadRef: "LET-55-add-export"}

	err := n.PullRequestCreated(context.Background(), repo, issue, pr)
	if err == nil || !strings.Contains(err.Error(), "chat 2") {
		t.Errorf("expected failure for chat 2, got %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("expected two delivered messages, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.ParseMode != tgbotapi.ModeMarkdown || !msg.DisableWebPagePreview {
		t.Errorf("unexpected message options %+v", msg)
	}
	for _, want := range []string{"#101", "LET-55", `Add \*export\*`, "LET-55-add-export"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("expected message to contain %q, got:\n%s", want, msg.Text)
		}
	}
}

func TestPullRequestCreatedWithoutChats(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, nil)

	if err := n.PullRequestCreated(context.Background(), &storage.Repository{}, nil, &github.PullRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Error("expected nothing sent")
	}
}
