package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/linearpr/internal/admin"
	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/storage"
	"github.com/user/linearpr/pkg/logger"
)

// Admin is the repository administration used by bot commands.
type Admin interface {
	LinkRepository(ctx context.Context, req admin.LinkRequest) (*admin.LinkResult, error)
	UnlinkByName(ctx context.Context, owner, name string) error
	ListRepositories(ctx context.Context) ([]storage.Repository, error)
	Installations(ctx context.Context) ([]github.Installation, error)
	UnprocessedEvents(ctx context.Context, limit int) ([]storage.WebhookEvent, error)
	InstallURL() string
}

const commandTimeout = 30 * time.Second

// Handlers manages command handling for the bot.
type Handlers struct {
	api        Sender
	admin      Admin
	adminChats map[int64]bool
	msgBuilder *MessageBuilder
	startTime  time.Time
}

// NewHandlers creates a new handlers instance.
func NewHandlers(api Sender, admin Admin, adminChats []int64) *Handlers {
	chats := make(map[int64]bool, len(adminChats))
	for _, id := range adminChats {
		chats[id] = true
	}
	return &Handlers{
		api:        api,
		admin:      admin,
		adminChats: chats,
		msgBuilder: NewMessageBuilder(),
		startTime:  time.Now(),
	}
}

// SetStartTime sets the bot start time for uptime calculation.
func (h *Handlers) SetStartTime(t time.Time) {
	h.startTime = t
}

// HandleCommand routes commands to appropriate handlers.
func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	command := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	logger.Debug().
		Str("command", command).
		Str("args", args).
		Int64("chat_id", chatID).
		Msg("Received command")

	if command == "start" {
		h.handleStart(chatID)
		return
	}
	if !h.adminChats[chatID] {
		h.sendReply(chatID, "⛔ This chat is not allowed to manage the bot")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch command {
	case "help":
		h.handleHelp(chatID)
	case "repos":
		h.handleRepos(ctx, chatID)
	case "link":
		h.handleLink(ctx, msg, args)
	case "unlink":
		h.handleUnlink(ctx, chatID, args)
	case "installations":
		h.handleInstallations(ctx, chatID)
	case "status":
		h.handleStatus(ctx, chatID)
	default:
		h.sendReply(chatID, "Unknown command. Use /help to list commands.")
	}
}

// Commands is the menu published to Telegram.
var Commands = []tgbotapi.BotCommand{
	{Command: "repos", Description: "List linked repositories"},
	{Command: "link", Description: "Link owner/repo [teamId]"},
	{Command: "unlink", Description: "Unlink owner/repo"},
	{Command: "installations", Description: "List GitHub App installations"},
	{Command: "status", Description: "Show bot status"},
	{Command: "help", Description: "Show available commands"},
}

func (h *Handlers) handleStart(chatID int64) {
	text := fmt.Sprintf(`🤖 *Linear PR bot*

I open draft pull requests for branches named after Linear issues, like `+"`LET-55-add-export`"+`.

This chat id is `+"`%d`"+`. Add it to `+"`telegram.admin_chats`"+` to manage repositories from here.`, chatID)
	h.sendMarkdown(chatID, text)
}

func (h *Handlers) handleHelp(chatID int64) {
	text := `📚 *Commands*

• ` + "`/repos`" + ` - list linked repositories
• ` + "`/link owner/repo [teamId]`" + ` - link a repository and register its webhook
• ` + "`/unlink owner/repo`" + ` - unlink a repository
• ` + "`/installations`" + ` - list GitHub App installations
• ` + "`/status`" + ` - show bot status`
	h.sendMarkdown(chatID, text)
}

func (h *Handlers) handleRepos(ctx context.Context, chatID int64) {
	repos, err := h.admin.ListRepositories(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list repositories")
		h.sendReply(chatID, "❌ Failed to list repositories")
		return
	}
	h.sendMarkdown(chatID, h.msgBuilder.BuildRepositoryList(repos))
}

func (h *Handlers) handleLink(ctx context.Context, msg *tgbotapi.Message, args string) {
	chatID := msg.Chat.ID
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		h.sendReply(chatID, "❌ Usage: `/link owner/repo [teamId]`")
		return
	}

	owner, name, err := admin.ParseFullName(fields[0])
	if err != nil {
		h.sendReply(chatID, "❌ Repository must look like `owner/repo`")
		return
	}

	req := admin.LinkRequest{Owner: owner, Name: name, CreateWebhook: true, CreatedBy: "telegram:" + strconv.FormatInt(chatID, 10)}
	if len(fields) == 2 {
		req.LinearTeamID = fields[1]
	}

	res, err := h.admin.LinkRepository(ctx, req)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		h.sendReply(chatID, fmt.Sprintf("ℹ️ `%s/%s` is already linked", owner, name))
		return
	case errors.Is(err, github.ErrNotInstalled):
		h.sendReply(chatID, fmt.Sprintf("❌ The GitHub App is not installed on `%s/%s`\n\nInstall it: %s", owner, name, h.admin.InstallURL()))
		return
	case err != nil:
		logger.Error().Err(err).Str("repo", owner+"/"+name).Msg("Failed to link repository")
		h.sendReply(chatID, "❌ Failed to link repository")
		return
	}

	text := fmt.Sprintf("✅ *Linked %s*\n\n", EscapeMarkdown(res.Repository.FullName()))
	switch {
	case res.WebhookID != 0:
		text += "Webhook registered."
	case res.WebhookError != "":
		text += fmt.Sprintf("⚠️ Webhook not registered: %s\nSecret: `%s`", EscapeMarkdown(res.WebhookError), res.WebhookSecret)
	default:
		text += fmt.Sprintf("Configure a push webhook with secret `%s`", res.WebhookSecret)
	}
	h.sendMarkdown(chatID, text)
}

func (h *Handlers) handleUnlink(ctx context.Context, chatID int64, args string) {
	owner, name, err := admin.ParseFullName(args)
	if err != nil {
		h.sendReply(chatID, "❌ Usage: `/unlink owner/repo`")
		return
	}

	if err := h.admin.UnlinkByName(ctx, owner, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.sendReply(chatID, fmt.Sprintf("❌ `%s/%s` is not linked", owner, name))
			return
		}
		logger.Error().Err(err).Str("repo", args).Msg("Failed to unlink repository")
		h.sendReply(chatID, "❌ Failed to unlink repository")
		return
	}

	h.sendReply(chatID, fmt.Sprintf("✅ Unlinked `%s/%s`", owner, name))
}

func (h *Handlers) handleInstallations(ctx context.Context, chatID int64) {
	installations, err := h.admin.Installations(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list installations")
		h.sendReply(chatID, "❌ Failed to list installations")
		return
	}
	h.sendMarkdown(chatID, h.msgBuilder.BuildInstallationList(installations, h.admin.InstallURL()))
}

func (h *Handlers) handleStatus(ctx context.Context, chatID int64) {
	repoCount := "unknown"
	if repos, err := h.admin.ListRepositories(ctx); err == nil {
		repoCount = strconv.Itoa(len(repos))
	}

	pending := "unknown"
	if events, err := h.admin.UnprocessedEvents(ctx, 100); err == nil {
		pending = strconv.Itoa(len(events))
	}

	text := fmt.Sprintf(`📊 *Bot status*

⏱️ *Uptime:* %s
📦 *Linked repositories:* %s
📨 *Unprocessed deliveries:* %s`, formatDuration(time.Since(h.startTime)), repoCount, pending)

	h.sendMarkdown(chatID, text)
}

// formatDuration formats a duration to a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

func (h *Handlers) sendReply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := h.api.Send(msg); err != nil {
		logger.Error().Err(err).Msg("Failed to send reply")
	}
}

func (h *Handlers) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := h.api.Send(msg); err != nil {
		logger.Error().Err(err).Msg("Failed to send markdown message")
	}
}
