package main

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shivanshagarwal10/realtime-editor/pkg/presence"
	"github.com/shivanshagarwal10/realtime-editor/pkg/store"
	"github.com/shivanshagarwal10/realtime-editor/pkg/wire"
)

type fakeDurable struct {
	appendErr error
	appended  []store.ChatMessage
	touched   []string
	nextID    int64
}

func (f *fakeDurable) AppendChatMessage(_ context.Context, documentID string, userID int64, message string) (store.ChatMessage, error) {
	if f.appendErr != nil {
		return store.ChatMessage{}, f.appendErr
	}
	f.nextID++
	m := store.ChatMessage{
		ID:         f.nextID,
		DocumentID: documentID,
		UserID:     userID,
		Username:   "alice",
		Message:    message,
		CreatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.appended = append(f.appended, m)
	return m, nil
}

func (f *fakeDurable) TouchLastModified(_ context.Context, documentID string) error {
	f.touched = append(f.touched, documentID)
	return nil
}

type fakeQueue struct {
	err      error
	enqueued []wire.DocumentSnapshot
}

func (f *fakeQueue) Enqueue(_ context.Context, documentID, content string) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, wire.DocumentSnapshot{DocumentID: documentID, Content: content})
	return nil
}

type testEnv struct {
	coord   *coordinator
	durable *fakeDurable
	queue   *fakeQueue
	store   *presence.MemoryStore
	now     *time.Time
}

func newTestEnv() *testEnv {
	mem := presence.NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mem.Now = func() time.Time { return now }
	durable := &fakeDurable{}
	queue := &fakeQueue{}
	tracker := presence.NewTracker(mem, 20*time.Second)
	coord := newCoordinator(newRegistry(), tracker, durable, queue)
	return &testEnv{coord: coord, durable: durable, queue: queue, store: mem, now: &now}
}

// newTestClient builds a connection without a websocket; trySend only
// touches the channel, so handlers are fully exercisable in-process.
func newTestClient(co *coordinator) *client {
	c := &client{
		id:   "test",
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	co.register(c)
	return c
}

func recvFrame(t *testing.T, c *client) wire.Frame {
	t.Helper()
	select {
	case data := <-c.send:
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return f
	default:
		t.Fatal("no frame delivered")
		return wire.Frame{}
	}
}

func drain(c *client) []wire.Frame {
	var frames []wire.Frame
	for {
		select {
		case data := <-c.send:
			var f wire.Frame
			json.Unmarshal(data, &f)
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func activeList(t *testing.T, f wire.Frame) []string {
	t.Helper()
	if f.Event != wire.EventDocUsers {
		t.Fatalf("event = %q, want %q", f.Event, wire.EventDocUsers)
	}
	var users []string
	if err := json.Unmarshal(f.Data, &users); err != nil {
		t.Fatalf("unmarshal users: %v", err)
	}
	return users
}

func mkFrame(t *testing.T, event string, data any) wire.Frame {
	t.Helper()
	f, err := wire.NewFrame(event, data)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

func TestJoinBroadcastsReconciledActiveSet(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	if got := activeList(t, recvFrame(t, a)); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("alice sees %v, want [alice]", got)
	}

	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	want := []string{"alice", "bob"}
	if got := activeList(t, recvFrame(t, a)); !reflect.DeepEqual(got, want) {
		t.Errorf("alice sees %v, want %v", got, want)
	}
	if got := activeList(t, recvFrame(t, b)); !reflect.DeepEqual(got, want) {
		t.Errorf("bob sees %v, want %v", got, want)
	}
}

// The silent-disconnect scenario: alice stops heartbeating past the TTL,
// and bob's next heartbeat reveals active={bob} while members stays
// {alice, bob}.
func TestHeartbeatAfterSilentDisconnect(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	drain(a)
	drain(b)

	*env.now = env.now.Add(21 * time.Second)
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventHeartbeat, wire.Heartbeat{DocumentID: "doc1", Username: "bob"}))

	if got := activeList(t, recvFrame(t, b)); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("active = %v, want [bob]", got)
	}

	members, err := env.coord.tracker.Members(ctx, "doc1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if want := []string{"alice", "bob"}; !reflect.DeepEqual(members, want) {
		t.Errorf("members = %v, want %v", members, want)
	}
}

func TestEditBroadcastExcludesSenderAndOtherSessions(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)
	c := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	env.coord.dispatch(ctx, c, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc2", Username: "carol"}))
	drain(a)
	drain(b)
	drain(c)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventEdit, wire.EditDocument{DocumentID: "doc1", Content: "Hello"}))

	f := recvFrame(t, b)
	if f.Event != wire.EventDocumentUpdate {
		t.Fatalf("bob got %q, want documentUpdate", f.Event)
	}
	var content string
	json.Unmarshal(f.Data, &content)
	if content != "Hello" {
		t.Errorf("content = %q, want Hello", content)
	}

	if frames := drain(a); len(frames) != 0 {
		t.Errorf("sender received its own edit: %v", frames)
	}
	if frames := drain(c); len(frames) != 0 {
		t.Errorf("doc2 subscriber received doc1 traffic: %v", frames)
	}

	if len(env.queue.enqueued) != 1 || env.queue.enqueued[0].Content != "Hello" {
		t.Errorf("snapshots enqueued = %v, want one Hello snapshot", env.queue.enqueued)
	}
}

// The broadcast must reach other subscribers even with the durable path
// permanently failing.
func TestEditBroadcastIndependentOfPersistence(t *testing.T) {
	env := newTestEnv()
	env.queue.err = errors.New("jetstream unavailable")
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	drain(a)
	drain(b)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventEdit, wire.EditDocument{DocumentID: "doc1", Content: "still works"}))

	f := recvFrame(t, b)
	if f.Event != wire.EventDocumentUpdate {
		t.Fatalf("bob got %q, want documentUpdate", f.Event)
	}
	// And the sender hears nothing about the persistence failure.
	if frames := drain(a); len(frames) != 0 {
		t.Errorf("sender received %v, want nothing", frames)
	}
}

func TestChatPersistsBeforeBroadcast(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	drain(a)
	drain(b)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventChat, wire.ChatMessage{DocumentID: "doc1", UserID: 7, Message: "hi"}))

	for _, c := range []*client{a, b} {
		f := recvFrame(t, c)
		if f.Event != wire.EventNewMessage {
			t.Fatalf("got %q, want newMessage", f.Event)
		}
		var rec wire.ChatRecord
		if err := json.Unmarshal(f.Data, &rec); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		if rec.ID == 0 || rec.Username != "alice" || rec.Message != "hi" {
			t.Errorf("record = %+v", rec)
		}
	}
	if len(env.durable.touched) != 1 || env.durable.touched[0] != "doc1" {
		t.Errorf("touched = %v, want [doc1]", env.durable.touched)
	}
}

// Chat atomicity: a persistence failure must broadcast nothing and fail
// only the sender.
func TestChatPersistFailureBroadcastsNothing(t *testing.T) {
	env := newTestEnv()
	env.durable.appendErr = errors.New("postgres down")
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	drain(a)
	drain(b)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventChat, wire.ChatMessage{DocumentID: "doc1", UserID: 7, Message: "hi"}))

	f := recvFrame(t, a)
	if f.Event != wire.EventError {
		t.Fatalf("sender got %q, want errorMessage", f.Event)
	}
	if frames := drain(b); len(frames) != 0 {
		t.Errorf("bob received %v for an unpersisted message", frames)
	}
	if len(env.durable.touched) != 0 {
		t.Errorf("touched = %v, want none", env.durable.touched)
	}
}

func TestLeaveKeepsMembershipAndUnsubscribes(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	drain(a)
	drain(b)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventLeave, "doc1"))

	if got := activeList(t, recvFrame(t, b)); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("active = %v, want [bob]", got)
	}
	members, _ := env.coord.tracker.Members(ctx, "doc1")
	if want := []string{"alice", "bob"}; !reflect.DeepEqual(members, want) {
		t.Errorf("members = %v, want %v", members, want)
	}

	// alice no longer hears session traffic.
	drain(a)
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventEdit, wire.EditDocument{DocumentID: "doc1", Content: "x"}))
	if frames := drain(a); len(frames) != 0 {
		t.Errorf("alice received %v after leaving", frames)
	}
}

func TestDisconnectCleanup(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventLogin, "alice"))
	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	drain(a)
	drain(b)

	env.coord.handleDisconnect(ctx, a)

	var sawActive bool
	for _, f := range drain(b) {
		if f.Event == wire.EventDocUsers {
			sawActive = true
			var users []string
			json.Unmarshal(f.Data, &users)
			if !reflect.DeepEqual(users, []string{"bob"}) {
				t.Errorf("active = %v, want [bob]", users)
			}
		}
	}
	if !sawActive {
		t.Error("no docUsersUpdate broadcast after disconnect")
	}

	members, _ := env.coord.tracker.Members(ctx, "doc1")
	if want := []string{"alice", "bob"}; !reflect.DeepEqual(members, want) {
		t.Errorf("members = %v, want %v", members, want)
	}
	global, _ := env.coord.tracker.GlobalActive(ctx)
	if len(global) != 0 {
		t.Errorf("global active = %v, want empty after disconnect", global)
	}
}

// A connection that never joined must disconnect without side effects.
func TestDisconnectBeforeJoinIsNoop(t *testing.T) {
	env := newTestEnv()
	a := newTestClient(env.coord)
	env.coord.handleDisconnect(context.Background(), a)

	if n := env.store.ExistsCalls(); n != 0 {
		t.Errorf("store touched %d times by idle disconnect", n)
	}
}

func TestInvalidJoinRejectedWithoutMutation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1"}))

	f := recvFrame(t, a)
	if f.Event != wire.EventError {
		t.Fatalf("got %q, want errorMessage", f.Event)
	}
	members, _ := env.coord.tracker.Members(ctx, "doc1")
	if len(members) != 0 {
		t.Errorf("members = %v, want empty", members)
	}
	if env.coord.registry.subscriberCount() != 0 {
		t.Error("invalid join left a subscription behind")
	}
}

// Joining a second document without leaving the first must drop the old
// subscription, so no dead registry entry survives the connection.
func TestJoinSwitchesSession(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc2", Username: "alice"}))
	drain(a)
	drain(b)

	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventEdit, wire.EditDocument{DocumentID: "doc1", Content: "x"}))
	if frames := drain(a); len(frames) != 0 {
		t.Errorf("alice received doc1 traffic after switching to doc2: %v", frames)
	}
	if n := env.coord.registry.subscriberCount(); n != 2 {
		t.Errorf("subscriberCount = %d, want 2", n)
	}

	env.coord.handleDisconnect(ctx, a)
	if n := env.coord.registry.subscriberCount(); n != 1 {
		t.Errorf("subscriberCount after disconnect = %d, want 1", n)
	}
}

func TestCursorMoveExcludesSender(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	drain(a)
	drain(b)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventCursorMove, wire.CursorMove{DocumentID: "doc1", Username: "alice", Index: 12}))

	f := recvFrame(t, b)
	if f.Event != wire.EventCursorMove {
		t.Fatalf("bob got %q, want cursorMove", f.Event)
	}
	var cur wire.CursorMove
	json.Unmarshal(f.Data, &cur)
	if cur.Username != "alice" || cur.Index != 12 {
		t.Errorf("cursor = %+v", cur)
	}
	if frames := drain(a); len(frames) != 0 {
		t.Errorf("sender received its own cursor event: %v", frames)
	}
}

func TestTypingReachesAllSubscribers(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := newTestClient(env.coord)
	b := newTestClient(env.coord)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "alice"}))
	env.coord.dispatch(ctx, b, mkFrame(t, wire.EventJoin, wire.JoinDocument{DocumentID: "doc1", Username: "bob"}))
	drain(a)
	drain(b)

	env.coord.dispatch(ctx, a, mkFrame(t, wire.EventTyping, wire.Typing{DocumentID: "doc1", Username: "alice"}))

	for _, c := range []*client{a, b} {
		f := recvFrame(t, c)
		if f.Event != wire.EventTyping {
			t.Fatalf("got %q, want userTyping", f.Event)
		}
		var username string
		json.Unmarshal(f.Data, &username)
		if username != "alice" {
			t.Errorf("username = %q, want alice", username)
		}
	}
}
