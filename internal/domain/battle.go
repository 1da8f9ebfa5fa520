package domain

import "time"

// Question is one quiz item as delivered by the provisioning service.
// The battle layer treats it as an opaque payload; only clients grade answers.
type Question struct {
	Prompt  string            `json:"prompt"`
	Options map[string]string `json:"options"` // label ("A".."D") → option text
	Answer  string            `json:"answer"`  // label of the correct option
}

// BattleSession is the immutable unit of one duel. It is written to the
// ephemeral store exactly once at pairing/start time and never mutated,
// which is what keeps independent per-client grading consistent.
type BattleSession struct {
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
	CreatedAt time.Time  `json:"created_at"`
}
