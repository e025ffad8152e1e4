// Package tasks hands durable work to the out-of-band persistence worker.
// Enqueues are fire-and-forget: the gateway never waits for, retries, or
// reads back a job. The worker side lives in cmd/persistworker.
package tasks

import (
	"context"

	"github.com/podlabs/pod-gateway/internal/domain"
)

// Stream layout shared by enqueuer and worker.
const (
	StreamName     = "CHAT_MESSAGES"
	StreamSubjects = "chats.messages.>"
	SubjectPersist = "chats.messages.persist"
	ConsumerName   = "persist-worker"
)

// Enqueuer submits persistence jobs for chat messages.
type Enqueuer interface {
	// EnqueueMessage submits the message for durable storage. An error means
	// the job was not accepted; callers log and move on - delivery to
	// connected clients never depends on persistence.
	EnqueueMessage(ctx context.Context, msg domain.ChatMessage) error
}
