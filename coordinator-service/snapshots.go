package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/shivanshagarwal10/realtime-editor/pkg/otelhelper"
	"github.com/shivanshagarwal10/realtime-editor/pkg/wire"
)

// jetstreamSnapshots publishes document snapshots to the DOC_SNAPSHOTS
// stream for the persist worker. Publishes are async so a stalled
// JetStream never backs up into the connection's read loop; delivery
// failures land in the error handler's log, not in any client response.
type jetstreamSnapshots struct {
	js jetstream.JetStream
}

func newSnapshotQueue(ctx context.Context, nc *nats.Conn) (*jetstreamSnapshots, error) {
	js, err := jetstream.New(nc,
		jetstream.WithPublishAsyncErrHandler(func(_ jetstream.JetStream, m *nats.Msg, err error) {
			slog.Error("Snapshot publish failed", "subject", m.Subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	// Only recent snapshots per document matter; the worker applies
	// last-write-wins anyway.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              "DOC_SNAPSHOTS",
		Subjects:          []string{"doc.snapshot.*"},
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 64,
		MaxAge:            24 * time.Hour,
		Storage:           jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create DOC_SNAPSHOTS stream: %w", err)
	}
	slog.Info("JetStream stream DOC_SNAPSHOTS ready")

	return &jetstreamSnapshots{js: js}, nil
}

func (q *jetstreamSnapshots) Enqueue(ctx context.Context, documentID, content string) error {
	data, err := json.Marshal(wire.DocumentSnapshot{
		DocumentID: documentID,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	msg, span := otelhelper.NewTracedMsg(ctx, "doc.snapshot."+documentID, data)
	defer span.End()
	if _, err := q.js.PublishMsgAsync(msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish snapshot %s: %w", documentID, err)
	}
	return nil
}
