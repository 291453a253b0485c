package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stefankubicki/istota/internal/store"
)

// TelegramChannel implements ChatChannel over the Telegram bot API: each
// allowed chat maps to a stable user id and conversation token, every
// inbound text message becomes a foreground chat task, and completed
// tasks are delivered back as a reply in the originating chat.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *store.Store
	logger     *slog.Logger

	bot *tgbotapi.BotAPI
}

// NewTelegramChannel constructs a Telegram channel restricted to
// allowedIDs (empty means nobody is allowed, a fail-closed default).
func NewTelegramChannel(token string, allowedIDs []int64, st *store.Store, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      st,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// conversationToken returns the stable conversation token for a chat,
// also used as the task's user id: in this channel a user and their DM
// conversation are the same scope.
func conversationToken(chatID int64) string {
	return fmt.Sprintf("telegram:%d", chatID)
}

func chatIDFromToken(token string) (int64, error) {
	id, ok := strings.CutPrefix(token, "telegram:")
	if !ok {
		return 0, fmt.Errorf("not a telegram conversation token: %q", token)
	}
	return strconv.ParseInt(id, 10, 64)
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram channel started", "bot_user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads from the update channel until ctx is done, the
// channel closes, or no update arrives within the stall timeout (the
// library blocks rather than closing its channel on a dead connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, allowed := t.allowedIDs[update.Message.From.ID]; !allowed {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	token := conversationToken(msg.Chat.ID)
	userID := token

	task, err := t.store.CreateTask(ctx, store.NewTask{
		SourceType:        store.SourceChat,
		Queue:             store.QueueForeground,
		UserID:            userID,
		ConversationToken: token,
		Prompt:            content,
		OutputTarget:      store.OutputChat,
		TalkMessageID:     strconv.Itoa(msg.MessageID),
	})
	if err != nil {
		t.logger.Error("failed to create telegram task", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Sorry, I couldn't schedule that: %v", err))
		return
	}
	if err := t.store.AppendConversationMessage(ctx, token, &task.ID, store.SourceChat, "user", content); err != nil {
		t.logger.Warn("failed to append conversation message", "error", err)
	}
}

// PostMessage implements ChatChannel, delivering a result to the chat
// named by a "telegram:<chatID>" conversation token.
func (t *TelegramChannel) PostMessage(ctx context.Context, token, text string) error {
	chatID, err := chatIDFromToken(token)
	if err != nil {
		return err
	}
	t.reply(chatID, text)
	return nil
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
