package battle

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"quizduel/internal/obslog"
)

// Matchmaker implements the queue-join/pair protocol. The queue is the only
// resource touched by more than one connection's handler, and it is only ever
// mutated through the store's atomic set operations: a single pop, then a
// conditional insert. There is deliberately no "is the queue empty" check;
// the pop unconditionally tries to consume an existing waiter first, which is
// what keeps two concurrent joiners from both parking themselves.
type Matchmaker struct {
	store    *Store
	sessions *Manager
}

func NewMatchmaker(store *Store, sessions *Manager) *Matchmaker {
	return &Matchmaker{store: store, sessions: sessions}
}

// JoinQueue pairs connID with a waiting opponent if one exists, otherwise
// enqueues it. Returns true when a pairing happened (the session manager has
// already notified both sides, success or failure). A popped id equal to
// connID is the pathological self-pop; it is discarded by re-entering the
// insert branch, never paired, never an error.
func (mm *Matchmaker) JoinQueue(ctx context.Context, connID string) (bool, error) {
	if strings.TrimSpace(connID) == "" {
		return false, errf("invalid connection id")
	}

	opponent, err := mm.store.PopWaiter(ctx)
	if err != nil {
		return false, err
	}

	if opponent != "" && opponent != connID {
		// Pairing proceeds even if the popped opponent has meanwhile
		// disconnected; the notification to a dead connection is a no-op
		// and the session simply expires unconsumed.
		if _, err := mm.sessions.CreatePairedSession(ctx, opponent, connID); err != nil {
			obslog.L().Warn("matchmaker_pair_failed",
				zap.String("conn_id", connID),
				zap.String("opponent", opponent),
				zap.Error(err),
			)
			return true, nil
		}
		return true, nil
	}

	if err := mm.store.AddWaiter(ctx, connID); err != nil {
		return false, err
	}
	obslog.L().Debug("matchmaker_enqueued", zap.String("conn_id", connID))
	return false, nil
}

// LeaveQueue removes a connection from the queue; the websocket layer calls
// this from the disconnect hook so no orphaned entries survive a dropped
// connection. Stale popped entries are never re-inserted by others; each
// connection's hook cleans up its own entry only.
func (mm *Matchmaker) LeaveQueue(ctx context.Context, connID string) error {
	return mm.store.RemoveWaiter(ctx, connID)
}
