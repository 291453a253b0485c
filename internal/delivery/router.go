// Package delivery implements the Delivery Router (C9): once a task
// reaches a terminal state, it resolves which sink(s) the result goes to
// and hands it off, tolerating per-sink failure without reopening the
// task, narrowed to the task-delivery half of the channel/push surface
// (spec.md §4.9): chat adapters' PostMessage and the push client
// registry.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stefankubicki/istota/internal/channel"
	"github.com/stefankubicki/istota/internal/push"
	"github.com/stefankubicki/istota/internal/store"
	"github.com/stefankubicki/istota/internal/telemetry"
)

// EmailSender delivers a threaded reply over SMTP. Declared here rather
// than in internal/channel so the router doesn't need to depend on a
// concrete mail client to be testable.
type EmailSender interface {
	SendReply(ctx context.Context, to, subject, body, inReplyTo, references string) error
}

// PushSender delivers a result notification over the push WebSocket hub.
type PushSender interface {
	Send(ctx context.Context, userID string, n push.Notification) error
}

// Router resolves a completed task's output_target and fans its result
// out to the matching sink(s).
type Router struct {
	store  *store.Store
	logger *slog.Logger

	chatChannels map[string]channel.ChatChannel
	email        EmailSender
	push         PushSender

	// Tracer and Metrics are optional; when set, every Deliver call is
	// wrapped in a client span and records delivery duration/error
	// counts. Left nil, delivery runs exactly as before.
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
}

func NewRouter(st *store.Store, chatChannels []channel.ChatChannel, email EmailSender, pushSender PushSender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]channel.ChatChannel, len(chatChannels))
	for _, c := range chatChannels {
		byName[c.Name()] = c
	}
	return &Router{store: st, logger: logger, chatChannels: byName, email: email, push: pushSender}
}

// sink identifies one concrete delivery mechanism a compound target
// expands to.
type sink string

const (
	sinkChat  sink = "chat"
	sinkEmail sink = "email"
	sinkPush  sink = "push"
)

// resolveSinks maps a task's output_target, falling back to its
// source_type, to the concrete sinks it should be delivered to.
func resolveSinks(task store.Task) []sink {
	switch task.OutputTarget {
	case store.OutputChat:
		return []sink{sinkChat}
	case store.OutputEmail:
		return []sink{sinkEmail}
	case store.OutputPush:
		return []sink{sinkPush}
	case store.OutputCombined:
		return []sink{sinkChat, sinkEmail, sinkPush}
	}

	// OutputInferred (unset): derive from source_type.
	switch task.SourceType {
	case store.SourceChat, store.SourceFile:
		return []sink{sinkChat}
	case store.SourceEmail:
		return []sink{sinkEmail}
	default:
		return []sink{sinkChat}
	}
}

// honorsSilence reports whether a sink is expected to suppress a
// NO_ACTION: result for a silent scheduled job. All three sinks built
// here honor it; a future sink that must always notify (e.g. a paging
// integration) would return false and force delivery to the whole
// compound target per the Open Question 2 resolution.
func honorsSilence(sink) bool { return true }

// Deliver implements the worker.Delivery interface: fan the task's
// result out to every sink its output_target resolves to. Delivery is
// best-effort — a sink failure is logged, not returned, so it never
// reopens the task or blocks the others.
func (r *Router) Deliver(ctx context.Context, task store.Task, result string) error {
	if task.Status == store.TaskStatusCancelled {
		return nil
	}

	if r.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.StartClientSpan(ctx, r.Tracer, "delivery.deliver",
			telemetry.AttrTaskID.String(fmt.Sprint(task.ID)),
			telemetry.AttrUserID.String(task.UserID),
		)
		start := time.Now()
		defer func() {
			if r.Metrics != nil {
				r.Metrics.DeliveryDuration.Record(ctx, time.Since(start).Seconds())
			}
			span.End()
		}()
	}

	body := result
	if task.Status == store.TaskStatusFailed {
		body = fmt.Sprintf("Task failed: %s", task.Error)
	}

	sinks := resolveSinks(task)

	if task.HeartbeatSilent && strings.HasPrefix(strings.TrimSpace(result), "NO_ACTION:") {
		allSilent := true
		for _, s := range sinks {
			if !honorsSilence(s) {
				allSilent = false
				break
			}
		}
		if allSilent {
			r.logger.Info("suppressing silent no-action result", "task_id", task.ID)
			return nil
		}
	}

	var errs []string
	for _, s := range sinks {
		var err error
		switch s {
		case sinkChat:
			err = r.deliverChat(ctx, task, body)
		case sinkEmail:
			err = r.deliverEmail(ctx, task, body)
		case sinkPush:
			err = r.deliverPush(ctx, task, body)
		}
		if err != nil {
			if s == sinkPush && push.IsNoClient(err) {
				continue
			}
			r.logger.Warn("delivery sink failed", "task_id", task.ID, "sink", s, "error", err)
			if r.Metrics != nil {
				r.Metrics.DeliveryErrors.Add(ctx, 1)
			}
			errs = append(errs, string(s)+": "+err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("delivery: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Router) deliverChat(ctx context.Context, task store.Task, body string) error {
	if task.ConversationToken == "" {
		return fmt.Errorf("no conversation token to deliver chat result")
	}
	name, _, _ := strings.Cut(task.ConversationToken, ":")
	ch, ok := r.chatChannels[name]
	if !ok {
		return fmt.Errorf("no chat channel registered for %q", name)
	}
	target := task.ConversationToken
	if task.ReplyToTalkID != "" {
		r.logger.Debug("delivering as reply", "task_id", task.ID, "reply_to", task.ReplyToTalkID)
	}
	return ch.PostMessage(ctx, target, body)
}

func (r *Router) deliverEmail(ctx context.Context, task store.Task, body string) error {
	if r.email == nil {
		return fmt.Errorf("no email sender configured")
	}
	to, err := recipientFromToken(task.ConversationToken)
	if err != nil {
		return err
	}

	var inReplyTo, references string
	if prior, err := r.store.LatestProcessedEmail(ctx, task.ConversationToken); err == nil {
		inReplyTo = prior.MessageID
		references = strings.TrimSpace(prior.References + " " + prior.MessageID)
	}

	subject := "Re: your request"
	return r.email.SendReply(ctx, to, subject, body, inReplyTo, references)
}

func (r *Router) deliverPush(ctx context.Context, task store.Task, body string) error {
	if r.push == nil {
		return fmt.Errorf("no push sender configured")
	}
	return r.push.Send(ctx, task.UserID, push.Notification{
		TaskID: task.ID,
		Result: body,
	})
}

// recipientFromToken extracts an email address from an "email:<addr>"
// conversation token.
func recipientFromToken(token string) (string, error) {
	addr, ok := strings.CutPrefix(token, "email:")
	if !ok {
		return "", fmt.Errorf("not an email conversation token: %q", token)
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return "", fmt.Errorf("invalid email address in conversation token: %w", err)
	}
	return addr, nil
}
