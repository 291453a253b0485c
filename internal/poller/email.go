package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stefankubicki/istota/internal/store"
)

const pollerClassEmail = "email"

// EmailMessage is one inbound message returned by an EmailFetcher.
type EmailMessage struct {
	UserID            string
	ConversationToken string
	From              string
	Subject           string
	Body              string
	MessageID         string
	InReplyTo         string
	References        string
}

// EmailFetcher is the pull-based inbound email collaborator from
// spec.md §6: fetchNewMessages(cursor) → (messages, newCursor), backed
// by IMAP in a real deployment. No teacher file grounds an IMAP client
// directly; this interface mirrors ChatFetcher's cursor shape so the
// Scheduler Loop ticks both the same way.
type EmailFetcher interface {
	Name() string
	FetchNewMessages(ctx context.Context, cursor string) (messages []EmailMessage, newCursor string, err error)
}

type emailCursor struct {
	Token string `json:"token"`
}

// EmailPoller drains an EmailFetcher and turns each new message into a
// background task, recording threading headers for the Delivery
// Router's reply.
type EmailPoller struct {
	store   *store.Store
	logger  *slog.Logger
	fetcher EmailFetcher
}

func NewEmailPoller(st *store.Store, logger *slog.Logger, fetcher EmailFetcher) *EmailPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailPoller{store: st, logger: logger, fetcher: fetcher}
}

func (p *EmailPoller) Name() string { return pollerClassEmail }

func (p *EmailPoller) Tick(ctx context.Context) error {
	if p.fetcher == nil {
		return nil
	}
	cursor, err := p.loadCursor(ctx)
	if err != nil {
		return err
	}

	messages, newToken, err := p.fetcher.FetchNewMessages(ctx, cursor.Token)
	if err != nil {
		return fmt.Errorf("fetch new messages: %w", err)
	}

	for _, m := range messages {
		if err := p.store.RecordProcessedEmail(ctx, m.UserID, m.ConversationToken, m.MessageID, m.InReplyTo, m.References); err != nil {
			return fmt.Errorf("record processed email: %w", err)
		}
		task, err := p.store.CreateTask(ctx, store.NewTask{
			SourceType:        store.SourceEmail,
			Queue:             store.QueueBackground,
			UserID:            m.UserID,
			ConversationToken: m.ConversationToken,
			Prompt:            fmt.Sprintf("Email from %s, subject %q:\n\n%s", m.From, m.Subject, m.Body),
			OutputTarget:      store.OutputEmail,
		})
		if err != nil {
			return fmt.Errorf("create email task: %w", err)
		}
		p.logger.Info("email poller queued task", "task_id", task.ID, "from", m.From)
	}

	if newToken == cursor.Token {
		return nil
	}
	return p.saveCursor(ctx, emailCursor{Token: newToken})
}

func (p *EmailPoller) loadCursor(ctx context.Context) (emailCursor, error) {
	raw, found, err := p.store.GetPollerState(ctx, pollerClassEmail, p.fetcher.Name())
	if err != nil {
		return emailCursor{}, err
	}
	if !found {
		return emailCursor{}, nil
	}
	var cursor emailCursor
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		return emailCursor{}, fmt.Errorf("decode email cursor: %w", err)
	}
	return cursor, nil
}

func (p *EmailPoller) saveCursor(ctx context.Context, cursor emailCursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode email cursor: %w", err)
	}
	return p.store.SetPollerState(ctx, pollerClassEmail, p.fetcher.Name(), string(raw))
}
