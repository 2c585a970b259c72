package presence

import (
	"context"
	"sort"
	"time"
)

// Key layout, shared with any other process pointed at the same store.
const globalActiveKey = "active_users"

func activeKey(documentID string) string  { return "doc:" + documentID + ":active" }
func membersKey(documentID string) string { return "doc:" + documentID + ":members" }
func presenceKey(documentID, username string) string {
	return "doc:" + documentID + ":presence:" + username
}

// Tracker records joins, heartbeats and departures for document sessions
// and reconciles the cached active set against per-user expiring presence
// records. The heartbeat interval clients use must be shorter than TTL or
// healthy users will flicker offline.
type Tracker struct {
	store Store
	ttl   time.Duration
}

func NewTracker(store Store, ttl time.Duration) *Tracker {
	return &Tracker{store: store, ttl: ttl}
}

// TTL returns the presence record lifetime.
func (t *Tracker) TTL() time.Duration { return t.ttl }

// Join marks username as a member (forever) and active (until TTL expiry
// or an explicit leave) in documentID's session.
func (t *Tracker) Join(ctx context.Context, documentID, username string) error {
	if err := t.store.AddToSet(ctx, membersKey(documentID), username); err != nil {
		return err
	}
	if err := t.store.AddToSet(ctx, activeKey(documentID), username); err != nil {
		return err
	}
	return t.store.SetWithExpiry(ctx, presenceKey(documentID, username), "1", t.ttl)
}

// Heartbeat refreshes username's presence record and re-adds it to the
// active-set cache, healing an eviction that raced this heartbeat.
func (t *Tracker) Heartbeat(ctx context.Context, documentID, username string) error {
	if err := t.store.SetWithExpiry(ctx, presenceKey(documentID, username), "1", t.ttl); err != nil {
		return err
	}
	return t.store.AddToSet(ctx, activeKey(documentID), username)
}

// Deactivate removes username from the active set and deletes its presence
// record immediately, without waiting for TTL expiry. Membership is kept;
// the user stays on the session's all-time roster.
func (t *Tracker) Deactivate(ctx context.Context, documentID, username string) error {
	if err := t.store.RemoveFromSet(ctx, activeKey(documentID), username); err != nil {
		return err
	}
	return t.store.Delete(ctx, presenceKey(documentID, username))
}

// Reconcile returns the sorted set of usernames whose presence record has
// not expired, evicting stale entries from the active-set cache as it
// goes. It is a lazy failure detector: staleness is only discovered here,
// which is fine because every join, heartbeat and leave calls it.
// Eviction of an already-absent member is a no-op, so concurrent
// reconciles of the same session are safe.
func (t *Tracker) Reconcile(ctx context.Context, documentID string) ([]string, error) {
	cached, err := t.store.MembersOf(ctx, activeKey(documentID))
	if err != nil {
		return nil, err
	}
	if len(cached) == 0 {
		return []string{}, nil
	}

	keys := make([]string, len(cached))
	for i, username := range cached {
		keys[i] = presenceKey(documentID, username)
	}
	alive, err := t.store.Exists(ctx, keys...)
	if err != nil {
		return nil, err
	}

	active := make([]string, 0, len(cached))
	for i, username := range cached {
		if alive[i] {
			active = append(active, username)
			continue
		}
		// Write-through eviction. Best effort: a failed SREM leaves a
		// stale entry that the next reconcile removes.
		_ = t.store.RemoveFromSet(ctx, activeKey(documentID), username)
	}
	sort.Strings(active)
	return active, nil
}

// Members returns every user who has ever joined the session, sorted.
func (t *Tracker) Members(ctx context.Context, documentID string) ([]string, error) {
	members, err := t.store.MembersOf(ctx, membersKey(documentID))
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// Active returns the cached active set without reconciling, sorted. The
// result may contain entries whose presence record has already expired.
func (t *Tracker) Active(ctx context.Context, documentID string) ([]string, error) {
	active, err := t.store.MembersOf(ctx, activeKey(documentID))
	if err != nil {
		return nil, err
	}
	sort.Strings(active)
	return active, nil
}

// GlobalLogin adds username to the best-effort global active-users set.
// The set has no expiry path; it is display-only and not invariant-bearing.
func (t *Tracker) GlobalLogin(ctx context.Context, username string) error {
	return t.store.AddToSet(ctx, globalActiveKey, username)
}

// GlobalLogout removes username from the global active-users set.
func (t *Tracker) GlobalLogout(ctx context.Context, username string) error {
	return t.store.RemoveFromSet(ctx, globalActiveKey, username)
}

// GlobalActive returns the global active-users set, sorted.
func (t *Tracker) GlobalActive(ctx context.Context) ([]string, error) {
	users, err := t.store.MembersOf(ctx, globalActiveKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}
