// Package channel adapts external messaging platforms to the chat
// collaborator interface the Chat poller and Delivery Router depend on
// (SPEC_FULL.md §4, C4 and C9): ingesting new messages into tasks and
// posting results back out.
package channel

import "context"

// ChatChannel is a concrete chat platform integration. Name identifies it
// for logging and delivery-target resolution; Start blocks, ingesting
// inbound messages as tasks until ctx is cancelled; PostMessage delivers
// a result back to a conversation.
type ChatChannel interface {
	Name() string
	Start(ctx context.Context) error
	PostMessage(ctx context.Context, conversationToken, text string) error
}
