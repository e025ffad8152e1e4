// The persist worker is the durable message store behind the gateway's
// fire-and-forget enqueue: it drains persistence jobs from JetStream and
// inserts chat messages into Postgres. The gateway never waits for it.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/podlabs/pod-gateway/internal/config"
	"github.com/podlabs/pod-gateway/internal/directory"
	"github.com/podlabs/pod-gateway/internal/domain"
	"github.com/podlabs/pod-gateway/internal/tasks"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.NATSURL == "" {
		slog.Error("NATS_URL is required for the persist worker")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := directory.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to database")

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("pod-persist-worker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Drain()
	slog.Info("connected to NATS", "url", nc.ConnectedUrl())

	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("failed to create jetstream context", "error", err)
		os.Exit(1)
	}

	// Idempotent: gateway and worker both ensure the stream on startup.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     tasks.StreamName,
		Subjects: []string{tasks.StreamSubjects},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		slog.Error("failed to ensure stream", "error", err)
		os.Exit(1)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, tasks.StreamName, jetstream.ConsumerConfig{
		Durable:       tasks.ConsumerName,
		FilterSubject: tasks.SubjectPersist,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    5,
	})
	if err != nil {
		slog.Error("failed to ensure consumer", "error", err)
		os.Exit(1)
	}

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		var job domain.ChatMessage
		if err := json.Unmarshal(msg.Data(), &job); err != nil {
			slog.Error("undecodable persistence job dropped", "error", err)
			_ = msg.Term()
			return
		}

		insertCtx, insertCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer insertCancel()

		// Idempotent on message id so redeliveries cannot duplicate rows.
		_, err := pool.Exec(insertCtx, `
			INSERT INTO chat_messages (id, chat_id, sender_id, message, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, job.ID, job.ChatID, job.SenderID, job.Message, job.CreatedAt)
		if err != nil {
			slog.Error("failed to persist message, will redeliver", "message_id", job.ID, "error", err)
			_ = msg.Nak()
			return
		}

		slog.Debug("message persisted", "message_id", job.ID, "chat_id", job.ChatID)
		_ = msg.Ack()
	})
	if err != nil {
		slog.Error("failed to start consuming", "error", err)
		os.Exit(1)
	}
	defer consumeCtx.Stop()

	slog.Info("persist worker running", "stream", tasks.StreamName, "subject", tasks.SubjectPersist)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()

	slog.Info("persist worker stopped")
}
