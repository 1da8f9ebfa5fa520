// Package battle implements the matchmaking coordinator and the battle
// session manager on top of the ephemeral store and the room broker.
package battle

import "quizduel/pkg/battledto"

// Room name helpers. The hub only sees opaque room names; these two prefixes
// keep lobby rooms and battle rooms from colliding.
func LobbyRoom(code string) string       { return "lobby:" + code }
func BattleRoom(sessionID string) string { return "battle:" + sessionID }

// Notifier is the slice of the room broker the battle layer uses.
type Notifier interface {
	SendTo(connID string, env battledto.Envelope)
	Broadcast(room string, env battledto.Envelope, senderID string, includeSender bool)
}

var (
	ErrSessionGone = errf("battle not found or expired")
	ErrLobbyGone   = errf("lobby not found or expired")
	ErrGenerate    = errf("could not generate battle")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
