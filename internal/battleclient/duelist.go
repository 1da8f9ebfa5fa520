package battleclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"quizduel/internal/domain"
	"quizduel/internal/duel"
	"quizduel/internal/msgcat"
	"quizduel/internal/obslog"
	"quizduel/pkg/battledto"
)

// Duelist runs the synchronization machine on top of a Client: it translates
// inbound envelopes into machine events, sends the machine's outbound
// envelopes, and fetches the question set when a battle starts. Register the
// callbacks before connecting the underlying client.
type Duelist struct {
	mu      sync.Mutex
	machine duel.Progress
	active  bool

	send      func(ctx context.Context, env battledto.Envelope) error
	questions func(ctx context.Context, sessionID string) ([]domain.Question, error)
	cat       *msgcat.Catalog

	onProgress func(duel.Progress)
	onError    func(string)
}

func NewDuelist(c *Client, apiBaseURL string) *Duelist {
	cat, err := msgcat.New("")
	if err != nil {
		obslog.L().Warn("duelist_catalog_failed", zap.Error(err))
	}
	d := &Duelist{
		send:      c.Send,
		questions: newQuestionFetcher(apiBaseURL),
		cat:       cat,
	}
	c.OnEnvelope(d.handle)
	return d
}

// OnProgress registers a snapshot callback fired after every machine step.
func (d *Duelist) OnProgress(fn func(duel.Progress)) { d.onProgress = fn }

// OnError registers a callback for server-side battle errors.
func (d *Duelist) OnError(fn func(string)) { d.onError = fn }

// Progress returns the current machine snapshot.
func (d *Duelist) Progress() duel.Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine
}

// JoinRandomQueue asks the server for a random opponent.
func (d *Duelist) JoinRandomQueue(ctx context.Context, userID string) error {
	return d.send(ctx, battledto.NewEnvelope(battledto.EventJoinRandomQueue, battledto.JoinRandomQueue{UserID: userID}))
}

// JoinPrivateRoom enters an invite lobby by its shared code.
func (d *Duelist) JoinPrivateRoom(ctx context.Context, roomID string) error {
	return d.send(ctx, battledto.NewEnvelope(battledto.EventJoinPrivateRoom, battledto.JoinPrivateRoom{RoomID: roomID}))
}

// StartPrivateBattle launches the battle for a lobby this side hosts.
func (d *Duelist) StartPrivateBattle(ctx context.Context, roomID string) error {
	return d.send(ctx, battledto.NewEnvelope(battledto.EventStartPrivateBattle, battledto.StartPrivateBattle{RoomID: roomID}))
}

// Answer grades the picked option locally and reports the verdict outward.
func (d *Duelist) Answer(ctx context.Context, option string) {
	d.apply(ctx, duel.AnswerSelected{Option: option})
}

// Next moves the local timeline to the next question.
func (d *Duelist) Next(ctx context.Context) {
	d.apply(ctx, duel.Advance{})
}

func (d *Duelist) handle(env battledto.Envelope) {
	switch env.Event {
	case battledto.EventMatchFound:
		var p battledto.MatchFound
		if json.Unmarshal(env.Payload, &p) == nil {
			d.begin(p.SessionID)
		}
	case battledto.EventBattleStarting:
		var p battledto.BattleStarting
		if json.Unmarshal(env.Payload, &p) == nil {
			d.begin(p.SessionID)
		}
	case battledto.EventOpponentReady:
		d.apply(context.Background(), duel.OpponentReady{})
	case battledto.EventOpponentAnswered:
		var p battledto.OpponentAnswered
		if json.Unmarshal(env.Payload, &p) == nil {
			d.apply(context.Background(), duel.OpponentAnswered{IsCorrect: p.IsCorrect})
		}
	case battledto.EventOpponentMovedToNext:
		var p battledto.OpponentMovedToNext
		if json.Unmarshal(env.Payload, &p) == nil {
			d.apply(context.Background(), duel.OpponentAdvanced{NewIndex: p.NewIndex})
		}
	case battledto.EventBattleError:
		var p battledto.BattleError
		_ = json.Unmarshal(env.Payload, &p)
		if d.onError != nil {
			d.onError(p.Message)
		}
	}
}

// begin resets the machine for a fresh session and fetches its question set
// off the listen goroutine, so a slow fetch never stalls inbound events.
func (d *Duelist) begin(sessionID string) {
	d.mu.Lock()
	d.machine = duel.New(sessionID)
	d.active = true
	snap := d.machine
	d.mu.Unlock()
	d.notify(snap)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		qs, err := d.questions(ctx, sessionID)
		if err != nil {
			obslog.L().Warn("duelist_questions_fetch_failed", zap.String("session_id", sessionID), zap.Error(err))
			if d.onError != nil {
				d.onError(d.message("battle.error.not_found", nil, "battle not found or expired"))
			}
			return
		}
		d.apply(ctx, duel.QuestionsLoaded{Questions: qs})
	}()
}

func (d *Duelist) apply(ctx context.Context, ev duel.Event) {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	next, out := duel.Step(d.machine, ev)
	d.machine = next
	d.mu.Unlock()

	for _, env := range out {
		if err := d.send(ctx, env); err != nil {
			obslog.L().Warn("duelist_send_failed", zap.String("event", env.Event), zap.Error(err))
		}
	}
	d.notify(next)
}

func (d *Duelist) notify(snap duel.Progress) {
	if d.onProgress != nil {
		d.onProgress(snap)
	}
}

// ResultMessage renders the end-of-battle summary for display. When the
// opponent dropped mid-battle its result stays unconfirmed and the summary
// says so instead of inventing a final score comparison.
func (d *Duelist) ResultMessage() string {
	p := d.Progress()
	msg := d.message("duel.finished",
		map[string]any{"Score": p.Score, "Total": len(p.Questions)},
		fmt.Sprintf("battle finished: you scored %d of %d", p.Score, len(p.Questions)))
	if !p.OpponentFinished() {
		msg += "\n" + d.message("duel.opponent_unconfirmed", nil, "could not confirm opponent result")
	}
	return msg
}

func (d *Duelist) message(key string, data any, fallback string) string {
	if d.cat == nil {
		return fallback
	}
	msg, err := d.cat.Render(key, data)
	if err != nil {
		return fallback
	}
	return msg
}

func newQuestionFetcher(baseURL string) func(ctx context.Context, sessionID string) ([]domain.Question, error) {
	httpc := &fasthttp.Client{Name: "quizduel-battleclient"}
	base := strings.TrimRight(baseURL, "/")
	return func(ctx context.Context, sessionID string) ([]domain.Question, error) {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(base + "/api/battles/" + sessionID + "/questions")
		req.Header.SetMethod(fasthttp.MethodGet)

		deadline := time.Now().Add(10 * time.Second)
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
		if err := httpc.DoDeadline(req, resp, deadline); err != nil {
			return nil, err
		}
		switch resp.StatusCode() {
		case fasthttp.StatusOK:
		case fasthttp.StatusNotFound:
			return nil, errors.New("battle not found or expired")
		default:
			return nil, fmt.Errorf("questions endpoint returned %d", resp.StatusCode())
		}

		var body struct {
			Questions []domain.Question `json:"questions"`
		}
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return nil, fmt.Errorf("decode questions: %w", err)
		}
		if len(body.Questions) == 0 {
			return nil, errors.New("empty question set")
		}
		return body.Questions, nil
	}
}
