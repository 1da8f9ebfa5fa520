package battle

import (
	"context"
	"testing"
)

func TestJoinQueueSoleWaiter(t *testing.T) {
	te := newTestEnv(t)
	mm := NewMatchmaker(te.store, te.sessions)
	ctx := context.Background()

	paired, err := mm.JoinQueue(ctx, "connA")
	if err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	if paired {
		t.Fatalf("sole joiner must not pair")
	}
	queued, err := te.rdb.SIsMember(ctx, keyQueue, "connA").Result()
	if err != nil || !queued {
		t.Fatalf("expected connA queued, got %v err=%v", queued, err)
	}
}

func TestJoinQueuePairsSecondJoiner(t *testing.T) {
	te := newTestEnv(t)
	mm := NewMatchmaker(te.store, te.sessions)
	ctx := context.Background()

	if _, err := mm.JoinQueue(ctx, "connA"); err != nil {
		t.Fatalf("JoinQueue A: %v", err)
	}
	paired, err := mm.JoinQueue(ctx, "connB")
	if err != nil {
		t.Fatalf("JoinQueue B: %v", err)
	}
	if !paired {
		t.Fatalf("second joiner must pair")
	}

	a := te.notifier.sentTo("connA")
	b := te.notifier.sentTo("connB")
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one unicast each, got %d/%d", len(a), len(b))
	}
	if sessionIDFrom(t, a[0]) != sessionIDFrom(t, b[0]) {
		t.Fatalf("both sides must receive the same session id")
	}

	// queue fully consumed
	if members, _ := te.rdb.SMembers(ctx, keyQueue).Result(); len(members) != 0 {
		t.Fatalf("expected empty queue, got %v", members)
	}
}

func TestJoinQueueNoSelfMatch(t *testing.T) {
	te := newTestEnv(t)
	mm := NewMatchmaker(te.store, te.sessions)
	ctx := context.Background()

	// connA is already the sole queued entry; the same id joining again must
	// never pair with itself.
	if _, err := mm.JoinQueue(ctx, "connA"); err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	paired, err := mm.JoinQueue(ctx, "connA")
	if err != nil {
		t.Fatalf("JoinQueue again: %v", err)
	}
	if paired {
		t.Fatalf("self-pairing must be discarded")
	}
	if len(te.notifier.sentTo("connA")) != 0 {
		t.Fatalf("no notification expected for a discarded self-pop")
	}
	if back, _ := te.rdb.SIsMember(ctx, keyQueue, "connA").Result(); !back {
		t.Fatalf("connA must be back in the queue after self-pop")
	}
	if te.source.calls != 0 {
		t.Fatalf("no session may be created for a self-pop")
	}
}

func TestLeaveQueueRemovesStaleEntry(t *testing.T) {
	te := newTestEnv(t)
	mm := NewMatchmaker(te.store, te.sessions)
	ctx := context.Background()

	if _, err := mm.JoinQueue(ctx, "connA"); err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	// connA disconnects while queued
	if err := mm.LeaveQueue(ctx, "connA"); err != nil {
		t.Fatalf("LeaveQueue: %v", err)
	}

	// a subsequent solitary join must not pair with the stale id
	paired, err := mm.JoinQueue(ctx, "connC")
	if err != nil {
		t.Fatalf("JoinQueue C: %v", err)
	}
	if paired {
		t.Fatalf("connC must wait, not pair with a removed entry")
	}
	if len(te.notifier.sentTo("connC")) != 0 {
		t.Fatalf("no notification expected for a waiting joiner")
	}
}

func TestJoinQueuePairingSurvivesGatewayFailure(t *testing.T) {
	te := newTestEnv(t)
	te.source.fail = true
	mm := NewMatchmaker(te.store, te.sessions)
	ctx := context.Background()

	if _, err := mm.JoinQueue(ctx, "connA"); err != nil {
		t.Fatalf("JoinQueue A: %v", err)
	}
	paired, err := mm.JoinQueue(ctx, "connB")
	if err != nil {
		t.Fatalf("JoinQueue B: %v", err)
	}
	if !paired {
		t.Fatalf("pairing happened even though session creation failed")
	}

	// both sides hear about the failure and may retry the whole flow
	for _, conn := range []string{"connA", "connB"} {
		got := te.notifier.sentTo(conn)
		if len(got) != 1 || got[0].Event != "battle_error" {
			t.Fatalf("%s: expected battle_error, got %+v", conn, got)
		}
	}
}
