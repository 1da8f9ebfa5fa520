package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"quizduel/internal/battle"
	"quizduel/internal/domain"
	"quizduel/internal/hub"
	"quizduel/pkg/battledto"
)

type stubSource struct{}

func (stubSource) Generate(ctx context.Context, topic, difficulty string, count int) ([]domain.Question, error) {
	qs := make([]domain.Question, count)
	for i := range qs {
		qs[i] = domain.Question{
			Prompt:  "question",
			Options: map[string]string{"A": "1", "B": "2", "C": "3", "D": "4"},
			Answer:  "A",
		}
	}
	return qs, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := hub.New()
	store := battle.NewStore(rdb, time.Hour, 10*time.Minute)
	sessions := battle.NewManager(battle.Config{Topic: "general", Difficulty: "medium", Count: 3}, store, stubSource{}, h, nil)
	mm := battle.NewMatchmaker(store, sessions)

	ts := httptest.NewServer(New(h, mm, sessions, nil, nil).Handler())
	t.Cleanup(ts.Close)
	return ts, mr
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func send(t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, battledto.NewEnvelope(event, payload)); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func recv(t *testing.T, c *websocket.Conn, wantEvent string) battledto.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var env battledto.Envelope
	if err := wsjson.Read(ctx, c, &env); err != nil {
		t.Fatalf("read (want %s): %v", wantEvent, err)
	}
	if env.Event != wantEvent {
		t.Fatalf("event = %s, want %s (payload %s)", env.Event, wantEvent, env.Payload)
	}
	return env
}

func payloadInto(t *testing.T, env battledto.Envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Event, err)
	}
}

func TestRandomQueueDuelFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	a := dialWS(t, ts)
	b := dialWS(t, ts)

	send(t, a, battledto.EventJoinRandomQueue, battledto.JoinRandomQueue{UserID: "alice"})
	// give the first join time to land in the queue before the second arrives
	time.Sleep(100 * time.Millisecond)
	send(t, b, battledto.EventJoinRandomQueue, battledto.JoinRandomQueue{UserID: "bob"})

	var ma, mb battledto.MatchFound
	payloadInto(t, recv(t, a, battledto.EventMatchFound), &ma)
	payloadInto(t, recv(t, b, battledto.EventMatchFound), &mb)
	if ma.SessionID == "" || ma.SessionID != mb.SessionID {
		t.Fatalf("session ids differ: %q vs %q", ma.SessionID, mb.SessionID)
	}
	sid := ma.SessionID

	// both sides fetch the same immutable question set over HTTP
	resp, err := http.Get(ts.URL + "/api/battles/" + sid + "/questions")
	if err != nil {
		t.Fatalf("get questions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("questions status = %d", resp.StatusCode)
	}
	var qr struct {
		Questions []domain.Question `json:"questions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		t.Fatalf("decode questions: %v", err)
	}
	if len(qr.Questions) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(qr.Questions))
	}

	// ready handshake completes for both join orders
	send(t, a, battledto.EventJoinBattleRoom, battledto.JoinBattleRoom{SessionID: sid})
	time.Sleep(100 * time.Millisecond)
	send(t, b, battledto.EventJoinBattleRoom, battledto.JoinBattleRoom{SessionID: sid})
	recv(t, a, battledto.EventOpponentReady)
	recv(t, b, battledto.EventOpponentReady)

	// answers are relayed sender-excluded: each side sees the opponent's
	// verdict, never an echo of its own
	send(t, a, battledto.EventSubmitAnswer, battledto.SubmitAnswer{SessionID: sid, IsCorrect: true})
	time.Sleep(100 * time.Millisecond)
	send(t, b, battledto.EventSubmitAnswer, battledto.SubmitAnswer{SessionID: sid, IsCorrect: false})

	var oa, ob battledto.OpponentAnswered
	payloadInto(t, recv(t, a, battledto.EventOpponentAnswered), &oa)
	payloadInto(t, recv(t, b, battledto.EventOpponentAnswered), &ob)
	if oa.IsCorrect != false {
		t.Fatalf("a received %+v, want the opponent's verdict (false)", oa)
	}
	if ob.IsCorrect != true {
		t.Fatalf("b received %+v, want the opponent's verdict (true)", ob)
	}

	// progress events update only the opponent's record
	send(t, a, battledto.EventNextQuestion, battledto.NextQuestion{SessionID: sid, NewIndex: 1})
	var mv battledto.OpponentMovedToNext
	payloadInto(t, recv(t, b, battledto.EventOpponentMovedToNext), &mv)
	if mv.NewIndex != 1 {
		t.Fatalf("NewIndex = %d, want 1", mv.NewIndex)
	}
}

func TestBattleRoomHandshakeConcurrentJoins(t *testing.T) {
	ts, _ := newTestServer(t)
	a := dialWS(t, ts)
	b := dialWS(t, ts)

	send(t, a, battledto.EventJoinRandomQueue, battledto.JoinRandomQueue{UserID: "alice"})
	time.Sleep(100 * time.Millisecond)
	send(t, b, battledto.EventJoinRandomQueue, battledto.JoinRandomQueue{UserID: "bob"})

	var ma, mb battledto.MatchFound
	payloadInto(t, recv(t, a, battledto.EventMatchFound), &ma)
	payloadInto(t, recv(t, b, battledto.EventMatchFound), &mb)
	sid := ma.SessionID

	// both sides join the battle room at the same time; neither may be left
	// waiting for a ready signal, whatever the interleaving
	errCh := make(chan error, 2)
	join := func(c *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		errCh <- wsjson.Write(ctx, c, battledto.NewEnvelope(battledto.EventJoinBattleRoom, battledto.JoinBattleRoom{SessionID: sid}))
	}
	go join(a)
	go join(b)
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("join write: %v", err)
		}
	}

	recv(t, a, battledto.EventOpponentReady)
	recv(t, b, battledto.EventOpponentReady)
}

func TestPrivateLobbyFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	host := dialWS(t, ts)
	guest := dialWS(t, ts)

	resp, err := http.Post(ts.URL+"/api/battles/private", "application/json", nil)
	if err != nil {
		t.Fatalf("create private: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create private status = %d", resp.StatusCode)
	}
	var created struct {
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(created.RoomID, "BR-") {
		t.Fatalf("unexpected room id %q", created.RoomID)
	}

	send(t, host, battledto.EventJoinPrivateRoom, battledto.JoinPrivateRoom{RoomID: created.RoomID})
	time.Sleep(100 * time.Millisecond)
	send(t, guest, battledto.EventJoinPrivateRoom, battledto.JoinPrivateRoom{RoomID: created.RoomID})

	// the host hears about the guest; the guest gets no echo of its own join
	recv(t, host, battledto.EventPlayerJoined)

	send(t, host, battledto.EventStartPrivateBattle, battledto.StartPrivateBattle{RoomID: created.RoomID})
	var sh, sg battledto.BattleStarting
	payloadInto(t, recv(t, host, battledto.EventBattleStarting), &sh)
	payloadInto(t, recv(t, guest, battledto.EventBattleStarting), &sg)
	if sh.SessionID == "" || sh.SessionID != sg.SessionID {
		t.Fatalf("session ids differ: %q vs %q", sh.SessionID, sg.SessionID)
	}

	// the code is single-use
	send(t, host, battledto.EventStartPrivateBattle, battledto.StartPrivateBattle{RoomID: created.RoomID})
	recv(t, host, battledto.EventBattleError)
}

func TestJoinQueueStoreFailure(t *testing.T) {
	ts, mr := newTestServer(t)
	c := dialWS(t, ts)

	// store gone: joining must fail loudly, and not with a generation message
	mr.Close()
	send(t, c, battledto.EventJoinRandomQueue, battledto.JoinRandomQueue{UserID: "alice"})

	var p battledto.BattleError
	payloadInto(t, recv(t, c, battledto.EventBattleError), &p)
	if p.Message != "could not join the queue, please try again" {
		t.Fatalf("message = %q", p.Message)
	}
}

func TestJoinUnknownPrivateRoom(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dialWS(t, ts)

	send(t, c, battledto.EventJoinPrivateRoom, battledto.JoinPrivateRoom{RoomID: "BR-NOSUCH"})
	recv(t, c, battledto.EventBattleError)
}

func TestJoinExpiredBattleRoom(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dialWS(t, ts)

	send(t, c, battledto.EventJoinBattleRoom, battledto.JoinBattleRoom{SessionID: "qb-gone"})
	recv(t, c, battledto.EventBattleError)
}

func TestUnknownEvent(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dialWS(t, ts)

	send(t, c, "warp_to_finish", nil)
	recv(t, c, battledto.EventBattleError)
}

func TestQuestionsNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/battles/qb-bogus/questions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
