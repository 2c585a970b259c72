package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shivanshagarwal10/realtime-editor/pkg/otelhelper"
	"github.com/shivanshagarwal10/realtime-editor/pkg/presence"
	"github.com/shivanshagarwal10/realtime-editor/pkg/store"
	"github.com/shivanshagarwal10/realtime-editor/pkg/wire"
)

// DurableStore is the slice of the record store the coordinator needs:
// persisting chat and bumping a document's last-modified stamp. It is
// never called on the broadcast fan-out path.
type DurableStore interface {
	AppendChatMessage(ctx context.Context, documentID string, userID int64, message string) (store.ChatMessage, error)
	TouchLastModified(ctx context.Context, documentID string) error
}

// SnapshotQueue is the one-way channel document snapshots leave on. An
// Enqueue error is logged by the caller and never surfaced to clients:
// the in-memory broadcast already happened and is authoritative.
type SnapshotQueue interface {
	Enqueue(ctx context.Context, documentID, content string) error
}

// coordinator receives participant actions from individual connections,
// updates the presence and durable stores, and fans resulting events out
// through the session registry.
type coordinator struct {
	registry  *registry
	tracker   *presence.Tracker
	durable   DurableStore
	snapshots SnapshotQueue

	mu      sync.Mutex
	clients map[*client]bool

	joinCounter       metric.Int64Counter
	heartbeatCounter  metric.Int64Counter
	leaveCounter      metric.Int64Counter
	disconnectCounter metric.Int64Counter
	editCounter       metric.Int64Counter
	chatCounter       metric.Int64Counter
	fanoutCounter     metric.Int64Counter
	fanoutDuration    metric.Float64Histogram
}

func newCoordinator(reg *registry, tracker *presence.Tracker, durable DurableStore, snapshots SnapshotQueue) *coordinator {
	meter := otel.Meter("coordinator-service")
	joinCounter, _ := meter.Int64Counter("coordinator_joins_total",
		metric.WithDescription("Total document joins processed"))
	heartbeatCounter, _ := meter.Int64Counter("coordinator_heartbeats_total",
		metric.WithDescription("Total presence heartbeats received"))
	leaveCounter, _ := meter.Int64Counter("coordinator_leaves_total",
		metric.WithDescription("Total explicit document leaves"))
	disconnectCounter, _ := meter.Int64Counter("coordinator_disconnects_total",
		metric.WithDescription("Total transport-level disconnects"))
	editCounter, _ := meter.Int64Counter("coordinator_edits_total",
		metric.WithDescription("Total document edits broadcast"))
	chatCounter, _ := meter.Int64Counter("coordinator_chat_messages_total",
		metric.WithDescription("Total chat messages persisted and broadcast"))
	fanoutCounter, _ := meter.Int64Counter("coordinator_fanout_messages_total",
		metric.WithDescription("Total messages fanned out to subscribers"))
	fanoutDuration, _ := otelhelper.NewDurationHistogram(meter, "coordinator_fanout_duration_seconds",
		"Time to fan out a single event to a session's subscribers")

	c := &coordinator{
		registry:          reg,
		tracker:           tracker,
		durable:           durable,
		snapshots:         snapshots,
		clients:           make(map[*client]bool),
		joinCounter:       joinCounter,
		heartbeatCounter:  heartbeatCounter,
		leaveCounter:      leaveCounter,
		disconnectCounter: disconnectCounter,
		editCounter:       editCounter,
		chatCounter:       chatCounter,
		fanoutCounter:     fanoutCounter,
		fanoutDuration:    fanoutDuration,
	}

	sessionsGauge, _ := meter.Int64ObservableGauge("coordinator_active_sessions",
		metric.WithDescription("Sessions with at least one subscriber"))
	subscribersGauge, _ := meter.Int64ObservableGauge("coordinator_subscribers",
		metric.WithDescription("Total subscribed connections"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(sessionsGauge, int64(reg.sessionCount()))
		o.ObserveInt64(subscribersGauge, int64(reg.subscriberCount()))
		return nil
	}, sessionsGauge, subscribersGauge)

	return c
}

func (co *coordinator) register(c *client) {
	co.mu.Lock()
	co.clients[c] = true
	co.mu.Unlock()
}

// dispatch routes one inbound frame. Invalid input is rejected before any
// state mutation; the sender alone hears about failures.
func (co *coordinator) dispatch(ctx context.Context, c *client, frame wire.Frame) {
	switch frame.Event {
	case wire.EventLogin:
		var username string
		if err := json.Unmarshal(frame.Data, &username); err != nil || username == "" {
			co.sendError(c, frame.Event, "username required")
			return
		}
		co.handleLogin(ctx, c, username)

	case wire.EventJoin:
		var p wire.JoinDocument
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.DocumentID == "" || p.Username == "" {
			co.sendError(c, frame.Event, "documentId and username required")
			return
		}
		co.handleJoin(ctx, c, p.DocumentID, p.Username)

	case wire.EventHeartbeat:
		var p wire.Heartbeat
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.DocumentID == "" || p.Username == "" {
			co.sendError(c, frame.Event, "documentId and username required")
			return
		}
		co.handleHeartbeat(ctx, c, p.DocumentID, p.Username)

	case wire.EventLeave:
		var documentID string
		if err := json.Unmarshal(frame.Data, &documentID); err != nil || documentID == "" {
			co.sendError(c, frame.Event, "documentId required")
			return
		}
		co.handleLeave(ctx, c, documentID)

	case wire.EventCursorMove:
		var p wire.CursorMove
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.DocumentID == "" || p.Username == "" {
			return
		}
		co.handleCursorMove(c, p)

	case wire.EventTyping, wire.EventStopTyping:
		var p wire.Typing
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.DocumentID == "" || p.Username == "" {
			return
		}
		co.handleTyping(c, frame.Event, p)

	case wire.EventEdit:
		var p wire.EditDocument
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.DocumentID == "" {
			co.sendError(c, frame.Event, "documentId required")
			return
		}
		co.handleEdit(ctx, c, p.DocumentID, p.Content)

	case wire.EventChat:
		var p wire.ChatMessage
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.DocumentID == "" || p.UserID == 0 || p.Message == "" {
			co.sendError(c, frame.Event, "documentId, userId and message required")
			return
		}
		co.handleChat(ctx, c, p)

	default:
		slog.Debug("Unknown event", "conn", c.id, "event", frame.Event)
	}
}

func (co *coordinator) handleLogin(ctx context.Context, c *client, username string) {
	c.username = username
	if err := co.tracker.GlobalLogin(ctx, username); err != nil {
		slog.Error("Failed to record global login", "user", username, "error", err)
		co.sendError(c, wire.EventLogin, "presence store unavailable")
		return
	}
	co.broadcastGlobalActive(ctx)
	slog.Info("User logged in", "conn", c.id, "user", username)
}

func (co *coordinator) handleJoin(ctx context.Context, c *client, documentID, username string) {
	// Store writes first: the connection only enters the session once its
	// membership and presence record exist, so a failed join leaves no
	// half-subscribed state behind.
	if err := co.tracker.Join(ctx, documentID, username); err != nil {
		slog.Error("Join failed", "doc", documentID, "user", username, "error", err)
		co.sendError(c, wire.EventJoin, "presence store unavailable")
		return
	}
	// A connection subscribes to one session at a time. Clients are
	// expected to leave first; for the ones that don't, drop the old
	// subscription so disconnect cleanup never leaves a dead entry behind
	// in the previous session.
	if c.documentID != "" && c.documentID != documentID {
		co.registry.unsubscribe(c.documentID, c)
	}
	c.username = username
	c.documentID = documentID
	co.registry.subscribe(documentID, c)

	co.joinCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("doc", documentID)))
	slog.Info("User joined document", "conn", c.id, "doc", documentID, "user", username)

	if err := co.publishActiveUsers(ctx, documentID); err != nil {
		co.sendError(c, wire.EventJoin, "presence store unavailable")
	}
}

// handleHeartbeat refreshes the presence record even for a session the
// user never formally joined; the reconciler self-corrects once the
// record expires, and rejecting would break clients whose join raced a
// reconnect.
func (co *coordinator) handleHeartbeat(ctx context.Context, c *client, documentID, username string) {
	if err := co.tracker.Heartbeat(ctx, documentID, username); err != nil {
		slog.Error("Heartbeat failed", "doc", documentID, "user", username, "error", err)
		co.sendError(c, wire.EventHeartbeat, "presence store unavailable")
		return
	}
	co.heartbeatCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("doc", documentID)))
	if err := co.publishActiveUsers(ctx, documentID); err != nil {
		co.sendError(c, wire.EventHeartbeat, "presence store unavailable")
	}
}

func (co *coordinator) handleLeave(ctx context.Context, c *client, documentID string) {
	co.leaveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("doc", documentID)))
	if err := co.removeParticipant(ctx, c, documentID, c.username, "leave"); err != nil {
		co.sendError(c, wire.EventLeave, "presence store unavailable")
		return
	}
	if c.documentID == documentID {
		c.documentID = ""
	}
}

// handleDisconnect runs when the transport drops, cleanly or not. It is a
// no-op for connections that never logged in or joined.
func (co *coordinator) handleDisconnect(ctx context.Context, c *client) {
	co.mu.Lock()
	delete(co.clients, c)
	co.mu.Unlock()

	if c.username == "" {
		return
	}
	co.disconnectCounter.Add(ctx, 1)

	if err := co.tracker.GlobalLogout(ctx, c.username); err != nil {
		slog.Warn("Failed to clear global presence", "user", c.username, "error", err)
	} else {
		co.broadcastGlobalActive(ctx)
	}

	if c.documentID != "" {
		if err := co.removeParticipant(ctx, c, c.documentID, c.username, "disconnect"); err != nil {
			slog.Warn("Disconnect cleanup failed", "conn", c.id, "doc", c.documentID, "error", err)
		}
	}
	slog.Info("User disconnected", "conn", c.id, "user", c.username)
}

// removeParticipant is the single cleanup path shared by explicit leave
// and transport disconnect, so both transitions have identical effects.
// Membership is untouched: the user stays on the session's roster.
func (co *coordinator) removeParticipant(ctx context.Context, c *client, documentID, username, reason string) error {
	if documentID == "" || username == "" {
		return nil
	}
	co.registry.unsubscribe(documentID, c)
	if err := co.tracker.Deactivate(ctx, documentID, username); err != nil {
		slog.Error("Failed to deactivate participant", "doc", documentID, "user", username, "reason", reason, "error", err)
		return err
	}
	slog.Debug("Participant removed", "doc", documentID, "user", username, "reason", reason)
	return co.publishActiveUsers(ctx, documentID)
}

// handleEdit broadcasts first and persists on the side. The snapshot ride
// to the durable store must never delay what other participants see, and
// its failure is swallowed: the broadcast already succeeded and is the
// authoritative realtime state.
func (co *coordinator) handleEdit(ctx context.Context, c *client, documentID, content string) {
	frame, err := wire.NewFrame(wire.EventDocumentUpdate, content)
	if err != nil {
		slog.Error("Failed to encode document update", "doc", documentID, "error", err)
		return
	}
	co.publish(ctx, documentID, frame, c)
	co.editCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("doc", documentID)))

	if err := co.snapshots.Enqueue(ctx, documentID, content); err != nil {
		slog.Error("Failed to enqueue snapshot", "doc", documentID, "error", err)
	}
}

func (co *coordinator) handleCursorMove(c *client, p wire.CursorMove) {
	frame, err := wire.NewFrame(wire.EventCursorMove, wire.CursorMove{Username: p.Username, Index: p.Index})
	if err != nil {
		return
	}
	co.publish(context.Background(), p.DocumentID, frame, c)
}

func (co *coordinator) handleTyping(c *client, event string, p wire.Typing) {
	frame, err := wire.NewFrame(event, p.Username)
	if err != nil {
		return
	}
	// Sender included, as with any other subscriber; the client ignores
	// its own typing echo.
	co.publish(context.Background(), p.DocumentID, frame, nil)
}

// handleChat persists first so the message gets its durable id and
// timestamp, then broadcasts the stored record. Nothing is broadcast for
// a message that failed to persist.
func (co *coordinator) handleChat(ctx context.Context, c *client, p wire.ChatMessage) {
	saved, err := co.durable.AppendChatMessage(ctx, p.DocumentID, p.UserID, p.Message)
	if err != nil {
		slog.Error("Failed to persist chat message", "doc", p.DocumentID, "user_id", p.UserID, "error", err)
		co.sendError(c, wire.EventChat, "failed to save message")
		return
	}
	record := wire.ChatRecord{
		ID:         saved.ID,
		DocumentID: saved.DocumentID,
		UserID:     saved.UserID,
		Username:   saved.Username,
		Message:    saved.Message,
		CreatedAt:  saved.CreatedAt,
	}
	frame, err := wire.NewFrame(wire.EventNewMessage, record)
	if err != nil {
		slog.Error("Failed to encode chat record", "doc", p.DocumentID, "error", err)
		return
	}
	co.publish(ctx, p.DocumentID, frame, nil)
	co.chatCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("doc", p.DocumentID)))

	if err := co.durable.TouchLastModified(ctx, p.DocumentID); err != nil {
		slog.Warn("Failed to touch document", "doc", p.DocumentID, "error", err)
	}
}

// publishActiveUsers reconciles the session's active set against the
// presence records and broadcasts the corrected view to every subscriber.
func (co *coordinator) publishActiveUsers(ctx context.Context, documentID string) error {
	active, err := co.tracker.Reconcile(ctx, documentID)
	if err != nil {
		slog.Error("Reconcile failed", "doc", documentID, "error", err)
		return err
	}
	frame, err := wire.NewFrame(wire.EventDocUsers, active)
	if err != nil {
		return err
	}
	co.publish(ctx, documentID, frame, nil)
	return nil
}

func (co *coordinator) publish(ctx context.Context, documentID string, frame wire.Frame, except *client) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to marshal frame", "event", frame.Event, "error", err)
		return
	}
	start := time.Now()
	delivered := co.registry.publish(documentID, data, except)
	co.fanoutCounter.Add(ctx, int64(delivered), metric.WithAttributes(
		attribute.String("event", frame.Event),
	))
	co.fanoutDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("event", frame.Event),
	))
}

// broadcastGlobalActive pushes the best-effort global active-users list
// to every connection, joined to a session or not.
func (co *coordinator) broadcastGlobalActive(ctx context.Context) {
	users, err := co.tracker.GlobalActive(ctx)
	if err != nil {
		slog.Warn("Failed to read global active users", "error", err)
		return
	}
	frame, err := wire.NewFrame(wire.EventActiveUsers, users)
	if err != nil {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	co.mu.Lock()
	conns := make([]*client, 0, len(co.clients))
	for c := range co.clients {
		conns = append(conns, c)
	}
	co.mu.Unlock()
	for _, c := range conns {
		c.trySend(data)
	}
}

func (co *coordinator) sendError(c *client, event, msg string) {
	frame, err := wire.NewFrame(wire.EventError, wire.ErrorMessage{Event: event, Error: msg})
	if err != nil {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.trySend(data)
}
