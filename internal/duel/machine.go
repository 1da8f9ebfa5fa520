// Package duel implements the per-connection synchronization protocol of a
// quiz battle. Both participants run the same machine over the same immutable
// question set; they exchange only booleans and indices, and neither side
// arbitrates the other's answers.
package duel

import (
	"quizduel/internal/domain"
	"quizduel/pkg/battledto"
)

// State is the explicit phase of one participant's battle timeline.
type State int

const (
	StateLoading State = iota
	StateWaitingForOpponent
	StateAnswering
	StateAnswered
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateWaitingForOpponent:
		return "waiting_for_opponent"
	case StateAnswering:
		return "answering"
	case StateAnswered:
		return "answered"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is one input to the machine, either a local action or a relayed
// opponent notification.
type Event interface{ isDuelEvent() }

// QuestionsLoaded carries the fetched question set for the session.
type QuestionsLoaded struct{ Questions []domain.Question }

// OpponentReady is the relayed join handshake from the other side.
type OpponentReady struct{}

// AnswerSelected is the local player picking an option label.
type AnswerSelected struct{ Option string }

// Advance is the local player moving to the next question.
type Advance struct{}

// OpponentAnswered reports the opponent's self-graded result.
type OpponentAnswered struct{ IsCorrect bool }

// OpponentAdvanced reports the opponent's new question index.
type OpponentAdvanced struct{ NewIndex int }

func (QuestionsLoaded) isDuelEvent()  {}
func (OpponentReady) isDuelEvent()    {}
func (AnswerSelected) isDuelEvent()   {}
func (Advance) isDuelEvent()          {}
func (OpponentAnswered) isDuelEvent() {}
func (OpponentAdvanced) isDuelEvent() {}

// Progress is the full machine value for one participant. It is a plain
// value; Step never mutates its input, so snapshots are safe to hand to
// callbacks.
type Progress struct {
	SessionID string
	Questions []domain.Question
	State     State
	Index     int
	Score     int

	// opponent record, updated only from relayed events
	OppReady   bool
	OppIndex   int
	OppScore   int
	OppAnswers int
}

// New starts a machine in the loading phase for the given session.
func New(sessionID string) Progress {
	return Progress{SessionID: sessionID, State: StateLoading}
}

// Finished reports whether the local timeline is complete.
func (p Progress) Finished() bool { return p.State == StateFinished }

// OpponentFinished reports whether the opponent's result is confirmed, i.e.
// an answer arrived for every question. When the opponent drops mid-battle
// this stays false and the front end shows an unconfirmed-result notice
// instead of blocking.
func (p Progress) OpponentFinished() bool {
	return len(p.Questions) > 0 && p.OppAnswers >= len(p.Questions)
}

// Step is the transition function: given the current value and one event it
// returns the next value plus the envelopes to emit into the battle room.
// Events that do not apply in the current state are dropped, because the two
// sides' streams carry no mutual ordering guarantee.
func Step(p Progress, ev Event) (Progress, []battledto.Envelope) {
	switch e := ev.(type) {
	case QuestionsLoaded:
		if p.State != StateLoading {
			return p, nil
		}
		p.Questions = e.Questions
		if p.OppReady {
			p.State = StateAnswering
		} else {
			p.State = StateWaitingForOpponent
		}
		// announce presence in the battle room; the broker relays it to the
		// opponent as opponent_ready
		return p, []battledto.Envelope{
			battledto.NewEnvelope(battledto.EventJoinBattleRoom, battledto.JoinBattleRoom{SessionID: p.SessionID}),
		}

	case OpponentReady:
		// handshake is order-independent: the signal may land before our own
		// questions finish loading
		p.OppReady = true
		if p.State == StateWaitingForOpponent {
			p.State = StateAnswering
		}
		return p, nil

	case AnswerSelected:
		if p.State != StateAnswering || p.Index >= len(p.Questions) {
			return p, nil
		}
		correct := e.Option == p.Questions[p.Index].Answer
		if correct {
			p.Score++
		}
		p.State = StateAnswered
		return p, []battledto.Envelope{
			battledto.NewEnvelope(battledto.EventSubmitAnswer, battledto.SubmitAnswer{SessionID: p.SessionID, IsCorrect: correct}),
		}

	case Advance:
		if p.State != StateAnswered {
			return p, nil
		}
		next := p.Index + 1
		if next >= len(p.Questions) {
			// both sides derive termination from the same question count, so
			// no closing event is needed
			p.State = StateFinished
			return p, nil
		}
		p.Index = next
		p.State = StateAnswering
		return p, []battledto.Envelope{
			battledto.NewEnvelope(battledto.EventNextQuestion, battledto.NextQuestion{SessionID: p.SessionID, NewIndex: next}),
		}

	case OpponentAnswered:
		if e.IsCorrect {
			p.OppScore++
		}
		p.OppAnswers++
		return p, nil

	case OpponentAdvanced:
		// the observed opponent index only moves forward; a stale or
		// reordered event never rolls it back
		if e.NewIndex > p.OppIndex {
			p.OppIndex = e.NewIndex
		}
		return p, nil
	}

	return p, nil
}
