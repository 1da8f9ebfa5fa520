package battledto

import "encoding/json"

// Event names carried over the real-time channel.
const (
	// client → server
	EventJoinRandomQueue    = "join_random_queue"
	EventJoinPrivateRoom    = "join_private_room"
	EventStartPrivateBattle = "start_private_battle"
	EventJoinBattleRoom     = "join_battle_room"
	EventSubmitAnswer       = "submit_answer"
	EventNextQuestion       = "next_question"

	// server → client
	EventMatchFound          = "match_found"
	EventPlayerJoined        = "player_joined"
	EventBattleStarting      = "battle_starting"
	EventOpponentReady       = "opponent_ready"
	EventOpponentAnswered    = "opponent_answered"
	EventOpponentMovedToNext = "opponent_moved_to_next"
	EventBattleError         = "battle_error"
)

// Envelope frames every websocket message: {"event":"...","payload":{...}}.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Marshal failures cannot occur
// for the fixed payload types below, so the error is discarded.
func NewEnvelope(event string, payload any) Envelope {
	if payload == nil {
		return Envelope{Event: event}
	}
	b, _ := json.Marshal(payload)
	return Envelope{Event: event, Payload: b}
}

// client → server payloads

type JoinRandomQueue struct {
	UserID string `json:"userId"`
}

type JoinPrivateRoom struct {
	RoomID string `json:"roomId"`
}

type StartPrivateBattle struct {
	RoomID string `json:"roomId"`
}

type JoinBattleRoom struct {
	SessionID string `json:"sessionId"`
}

type SubmitAnswer struct {
	SessionID string `json:"sessionId"`
	IsCorrect bool   `json:"isCorrect"`
}

type NextQuestion struct {
	SessionID string `json:"sessionId"`
	NewIndex  int    `json:"newIndex"`
}

// server → client payloads

type MatchFound struct {
	SessionID string `json:"sessionId"`
}

type PlayerJoined struct {
	ConnectionID string `json:"connectionId"`
}

type BattleStarting struct {
	SessionID string `json:"sessionId"`
}

type OpponentAnswered struct {
	IsCorrect bool `json:"isCorrect"`
}

type OpponentMovedToNext struct {
	NewIndex int `json:"newIndex"`
}

type BattleError struct {
	Message string `json:"message"`
}
