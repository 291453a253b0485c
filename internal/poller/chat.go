package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stefankubicki/istota/internal/store"
)

const pollerClassChat = "chat"

// ChatMessage is one inbound message returned by a ChatFetcher.
type ChatMessage struct {
	ConversationToken string
	UserID            string
	Text              string
	MessageID         string
}

// ChatFetcher is the pull-based inbound chat collaborator from
// spec.md §6: fetchNewMessages(cursor) → (messages, newCursor). Platforms
// whose client library already maintains its own update offset and push
// delivery loop (internal/channel's telegram-bot-api long-polling) run
// as a standalone ChatChannel instead of through this poller; ChatPoller
// exists for platforms that only expose a pull API with an opaque token
// cursor.
type ChatFetcher interface {
	Name() string
	FetchNewMessages(ctx context.Context, cursor string) (messages []ChatMessage, newCursor string, err error)
}

type chatCursor struct {
	Token string `json:"token"`
}

// ChatPoller drains one or more ChatFetchers and turns each returned
// message into a foreground chat task.
type ChatPoller struct {
	store    *store.Store
	logger   *slog.Logger
	fetchers []ChatFetcher
}

func NewChatPoller(st *store.Store, logger *slog.Logger, fetchers []ChatFetcher) *ChatPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatPoller{store: st, logger: logger, fetchers: fetchers}
}

func (p *ChatPoller) Name() string { return pollerClassChat }

func (p *ChatPoller) Tick(ctx context.Context) error {
	for _, fetcher := range p.fetchers {
		if err := p.tickOne(ctx, fetcher); err != nil {
			p.logger.Error("chat poller tick failed", "channel", fetcher.Name(), "error", err)
		}
	}
	return nil
}

func (p *ChatPoller) tickOne(ctx context.Context, fetcher ChatFetcher) error {
	cursor, err := p.loadCursor(ctx, fetcher.Name())
	if err != nil {
		return err
	}

	messages, newToken, err := fetcher.FetchNewMessages(ctx, cursor.Token)
	if err != nil {
		return fmt.Errorf("fetch new messages: %w", err)
	}

	for _, m := range messages {
		task, err := p.store.CreateTask(ctx, store.NewTask{
			SourceType:        store.SourceChat,
			Queue:             store.QueueForeground,
			UserID:            m.UserID,
			ConversationToken: m.ConversationToken,
			Prompt:            m.Text,
			TalkMessageID:     m.MessageID,
		})
		if err != nil {
			return fmt.Errorf("create chat task: %w", err)
		}
		p.logger.Info("chat poller queued task", "channel", fetcher.Name(), "task_id", task.ID)
	}

	if newToken == cursor.Token {
		return nil
	}
	return p.saveCursor(ctx, fetcher.Name(), chatCursor{Token: newToken})
}

func (p *ChatPoller) loadCursor(ctx context.Context, stateKey string) (chatCursor, error) {
	raw, found, err := p.store.GetPollerState(ctx, pollerClassChat, stateKey)
	if err != nil {
		return chatCursor{}, err
	}
	if !found {
		return chatCursor{}, nil
	}
	var cursor chatCursor
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		return chatCursor{}, fmt.Errorf("decode chat cursor %s: %w", stateKey, err)
	}
	return cursor, nil
}

func (p *ChatPoller) saveCursor(ctx context.Context, stateKey string, cursor chatCursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode chat cursor %s: %w", stateKey, err)
	}
	return p.store.SetPollerState(ctx, pollerClassChat, stateKey, string(raw))
}
