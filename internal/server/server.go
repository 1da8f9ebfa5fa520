// Package server exposes the battle subsystem over one HTTP mux: the
// persistent websocket channel at /ws plus the two stateless REST operations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"quizduel/internal/battle"
	"quizduel/internal/hub"
	"quizduel/internal/msgcat"
	"quizduel/internal/obslog"
	"quizduel/pkg/battledto"
)

type Server struct {
	hub      *hub.Hub
	mm       *battle.Matchmaker
	sessions *battle.Manager
	cat      *msgcat.Catalog
	origins  []string
	mux      *http.ServeMux
}

func New(h *hub.Hub, mm *battle.Matchmaker, sessions *battle.Manager, cat *msgcat.Catalog, origins []string) *Server {
	s := &Server{hub: h, mm: mm, sessions: sessions, cat: cat, origins: origins, mux: http.NewServeMux()}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("POST /api/battles/private", s.handleCreatePrivate)
	s.mux.HandleFunc("GET /api/battles/{id}/questions", s.handleQuestions)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// handleWS owns one connection for its whole life: accept, register, read
// loop, unregister. The read loop processes this connection's events strictly
// in arrival order; cross-connection effects only happen through the store
// and the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var opts *websocket.AcceptOptions
	if len(s.origins) > 0 {
		opts = &websocket.AcceptOptions{OriginPatterns: s.origins}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		obslog.L().Debug("ws_accept_failed", zap.Error(err))
		return
	}

	c := newWSConn(uuid.NewString(), ws)
	ctx := r.Context()

	s.hub.Register(c)
	s.hub.OnClose(c.id, func() {
		// synchronous queue cleanup: a dropped connection never leaves an
		// orphaned waiter entry behind
		if err := s.mm.LeaveQueue(context.Background(), c.id); err != nil {
			obslog.L().Warn("queue_cleanup_failed", zap.String("conn_id", c.id), zap.Error(err))
		}
	})
	go c.writeLoop(ctx)

	obslog.L().Info("ws_connected", zap.String("conn_id", c.id))
	s.readLoop(ctx, c)

	s.hub.Unregister(c.id)
	c.close(websocket.StatusNormalClosure, "")
	obslog.L().Info("ws_disconnected", zap.String("conn_id", c.id))
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	for {
		var env battledto.Envelope
		if err := wsjson.Read(ctx, c.ws, &env); err != nil {
			return
		}
		s.dispatch(ctx, c, env)
	}
}

func (s *Server) dispatch(ctx context.Context, c *wsConn, env battledto.Envelope) {
	switch env.Event {
	case battledto.EventJoinRandomQueue:
		s.onJoinRandomQueue(ctx, c)
	case battledto.EventJoinPrivateRoom:
		var p battledto.JoinPrivateRoom
		if !s.decode(c, env, &p) {
			return
		}
		s.onJoinPrivateRoom(ctx, c, p.RoomID)
	case battledto.EventStartPrivateBattle:
		var p battledto.StartPrivateBattle
		if !s.decode(c, env, &p) {
			return
		}
		s.onStartPrivateBattle(ctx, c, p.RoomID)
	case battledto.EventJoinBattleRoom:
		var p battledto.JoinBattleRoom
		if !s.decode(c, env, &p) {
			return
		}
		s.onJoinBattleRoom(ctx, c, p.SessionID)
	case battledto.EventSubmitAnswer:
		var p battledto.SubmitAnswer
		if !s.decode(c, env, &p) {
			return
		}
		// relay only; the server never grades or stores answers
		s.hub.Broadcast(battle.BattleRoom(p.SessionID),
			battledto.NewEnvelope(battledto.EventOpponentAnswered, battledto.OpponentAnswered{IsCorrect: p.IsCorrect}),
			c.id, false)
	case battledto.EventNextQuestion:
		var p battledto.NextQuestion
		if !s.decode(c, env, &p) {
			return
		}
		s.hub.Broadcast(battle.BattleRoom(p.SessionID),
			battledto.NewEnvelope(battledto.EventOpponentMovedToNext, battledto.OpponentMovedToNext{NewIndex: p.NewIndex}),
			c.id, false)
	default:
		s.sendError(c, "battle.error.bad_event", "unknown event")
	}
}

func (s *Server) onJoinRandomQueue(ctx context.Context, c *wsConn) {
	if _, err := s.mm.JoinQueue(ctx, c.id); err != nil {
		obslog.L().Error("queue_join_failed", zap.String("conn_id", c.id), zap.Error(err))
		s.sendError(c, "battle.error.queue", "could not join the queue, please try again")
	}
}

func (s *Server) onJoinPrivateRoom(ctx context.Context, c *wsConn, roomID string) {
	open, err := s.sessions.LobbyOpen(ctx, roomID)
	if err != nil {
		obslog.L().Error("lobby_check_failed", zap.String("room_id", roomID), zap.Error(err))
		s.sendError(c, "battle.error.not_found", "battle not found or expired")
		return
	}
	if !open {
		s.sendError(c, "battle.error.not_found", "battle not found or expired")
		return
	}

	room := battle.LobbyRoom(roomID)
	if err := s.hub.Join(c.id, room); err != nil {
		if errors.Is(err, hub.ErrRoomFull) {
			s.sendError(c, "battle.error.room_full", "room is already full")
		}
		return
	}
	s.hub.Broadcast(room,
		battledto.NewEnvelope(battledto.EventPlayerJoined, battledto.PlayerJoined{ConnectionID: c.id}),
		c.id, false)
}

func (s *Server) onStartPrivateBattle(ctx context.Context, c *wsConn, roomID string) {
	if _, err := s.sessions.CreateLobbySession(ctx, roomID); err != nil {
		if errors.Is(err, battle.ErrLobbyGone) {
			s.sendError(c, "battle.error.not_found", "battle not found or expired")
			return
		}
		// generation failures were already broadcast to the lobby room
		obslog.L().Warn("lobby_start_failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (s *Server) onJoinBattleRoom(ctx context.Context, c *wsConn, sessionID string) {
	if _, err := s.sessions.GetBattleQuestions(ctx, sessionID); err != nil {
		s.sendError(c, "battle.error.not_found", "battle not found or expired")
		return
	}

	room := battle.BattleRoom(sessionID)
	if err := s.hub.Join(c.id, room); err != nil {
		if errors.Is(err, hub.ErrRoomFull) {
			s.sendError(c, "battle.error.room_full", "room is already full")
		}
		return
	}

	// the join doubles as the ready handshake. Membership is read after the
	// join, so whichever connection joins second observes the full room and
	// signals every member; no interleaving of two joins can lose the
	// handshake. Both sides may end up signaling, which is fine: a duplicate
	// ready is idempotent on the receiving side.
	if members := s.hub.Members(room); len(members) == hub.RoomLimit {
		ready := battledto.NewEnvelope(battledto.EventOpponentReady, nil)
		for _, id := range members {
			s.hub.SendTo(id, ready)
		}
	}
}

func (s *Server) decode(c *wsConn, env battledto.Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		s.sendError(c, "battle.error.bad_event", "unknown event")
		return false
	}
	return true
}

func (s *Server) sendError(c *wsConn, key, fallback string) {
	s.hub.SendTo(c.id, battledto.NewEnvelope(battledto.EventBattleError, battledto.BattleError{Message: s.message(key, fallback)}))
}

func (s *Server) message(key, fallback string) string {
	if s.cat == nil {
		return fallback
	}
	msg, err := s.cat.Render(key, nil)
	if err != nil {
		return fallback
	}
	return msg
}

// handleCreatePrivate allocates a lobby code for a private battle.
func (s *Server) handleCreatePrivate(w http.ResponseWriter, r *http.Request) {
	code, err := s.sessions.CreatePrivateBattle(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not create battle room"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"roomId": code})
}

// handleQuestions returns the immutable question set, answer key included,
// since each participant grades its own answers locally.
func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := s.sessions.GetBattleQuestions(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, battle.ErrSessionGone) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": s.message("battle.error.not_found", "battle not found or expired")})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": qs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
