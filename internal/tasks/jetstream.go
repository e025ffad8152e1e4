package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/podlabs/pod-gateway/internal/domain"
)

// JetStreamEnqueuer publishes persistence jobs onto a JetStream stream. The
// stream gives the job durability the moment the publish is acked; what
// happens after that is the worker's problem.
type JetStreamEnqueuer struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewJetStreamEnqueuer connects JetStream over an existing NATS connection
// and ensures the message stream exists.
func NewJetStreamEnqueuer(ctx context.Context, nc *nats.Conn, logger *slog.Logger) (*JetStreamEnqueuer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	// Idempotent: gateway and worker both ensure the stream on startup, so
	// start order does not matter.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{StreamSubjects},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}

	return &JetStreamEnqueuer{
		js:     js,
		logger: logger.With("component", "tasks", "stream", StreamName),
	}, nil
}

// EnqueueMessage publishes the persistence job.
func (e *JetStreamEnqueuer) EnqueueMessage(ctx context.Context, msg domain.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal persistence job: %w", err)
	}

	if _, err := e.js.Publish(ctx, SubjectPersist, data); err != nil {
		return fmt.Errorf("publish persistence job: %w", err)
	}

	e.logger.Debug("persistence job enqueued", "message_id", msg.ID, "chat_id", msg.ChatID)
	return nil
}
