package battle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quizduel/internal/domain"
	"quizduel/internal/msgcat"
	"quizduel/internal/obslog"
	"quizduel/pkg/battledto"
)

// QuestionSource is the provisioning gateway as the manager sees it.
type QuestionSource interface {
	Generate(ctx context.Context, topic, difficulty string, count int) ([]domain.Question, error)
}

// Config fixes the question set per deployment; topic, difficulty, and count
// are never negotiated per battle.
type Config struct {
	Topic      string
	Difficulty string
	Count      int
}

// Manager creates battle sessions for both randomized and private-invite
// flows and answers the stateless session reads.
type Manager struct {
	cfg    Config
	store  *Store
	src    QuestionSource
	notify Notifier
	cat    *msgcat.Catalog
}

func NewManager(cfg Config, store *Store, src QuestionSource, notify Notifier, cat *msgcat.Catalog) *Manager {
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	return &Manager{cfg: cfg, store: store, src: src, notify: notify, cat: cat}
}

// CreatePairedSession builds a session for a random-queue pairing and
// unicasts match_found to both connections individually; they are not yet
// grouped into a room at this point.
func (m *Manager) CreatePairedSession(ctx context.Context, connA, connB string) (string, error) {
	sess, err := m.createSession(ctx)
	if err != nil {
		env := battledto.NewEnvelope(battledto.EventBattleError, battledto.BattleError{Message: m.message("battle.error.generate", "could not generate battle, please try again")})
		m.notify.SendTo(connA, env)
		m.notify.SendTo(connB, env)
		return "", err
	}

	env := battledto.NewEnvelope(battledto.EventMatchFound, battledto.MatchFound{SessionID: sess.ID})
	m.notify.SendTo(connA, env)
	m.notify.SendTo(connB, env)
	obslog.L().Info("battle_paired",
		zap.String("session_id", sess.ID),
		zap.String("conn_a", connA),
		zap.String("conn_b", connB),
	)
	return sess.ID, nil
}

// CreateLobbySession builds a session for a private lobby and broadcasts
// battle_starting to the lobby room, host included. The lobby marker is
// dropped afterwards so the code cannot be reused.
func (m *Manager) CreateLobbySession(ctx context.Context, lobbyCode string) (string, error) {
	open, err := m.store.LobbyOpen(ctx, lobbyCode)
	if err != nil {
		return "", err
	}
	if !open {
		return "", ErrLobbyGone
	}

	room := LobbyRoom(lobbyCode)
	sess, err := m.createSession(ctx)
	if err != nil {
		env := battledto.NewEnvelope(battledto.EventBattleError, battledto.BattleError{Message: m.message("battle.error.generate", "could not generate battle, please try again")})
		m.notify.Broadcast(room, env, "", true)
		return "", err
	}

	env := battledto.NewEnvelope(battledto.EventBattleStarting, battledto.BattleStarting{SessionID: sess.ID})
	m.notify.Broadcast(room, env, "", true)
	_ = m.store.CloseLobby(ctx, lobbyCode)
	obslog.L().Info("battle_lobby_start",
		zap.String("session_id", sess.ID),
		zap.String("lobby_code", lobbyCode),
	)
	return sess.ID, nil
}

// createSession is the single path both flows resolve to: fetch a question
// set, mint an id, persist once with TTL. Nothing is persisted on failure.
func (m *Manager) createSession(ctx context.Context) (*domain.BattleSession, error) {
	qs, err := m.src.Generate(ctx, m.cfg.Topic, m.cfg.Difficulty, m.cfg.Count)
	if err != nil {
		obslog.L().Error("battle_generate_failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGenerate, err)
	}

	sess := &domain.BattleSession{
		ID:        newSessionID(),
		Questions: qs,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		obslog.L().Error("battle_persist_failed", zap.String("session_id", sess.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGenerate, err)
	}
	return sess, nil
}

// CreatePrivateBattle allocates a new lobby code and marks it open.
func (m *Manager) CreatePrivateBattle(ctx context.Context) (string, error) {
	code, err := m.store.OpenLobby(ctx)
	if err != nil {
		return "", err
	}
	obslog.L().Info("battle_lobby_open", zap.String("lobby_code", code))
	return code, nil
}

// LobbyOpen reports whether a lobby code is still joinable.
func (m *Manager) LobbyOpen(ctx context.Context, code string) (bool, error) {
	return m.store.LobbyOpen(ctx, code)
}

// GetBattleQuestions reads the immutable question set for a session.
// Expired or unknown ids surface as ErrSessionGone, not as server errors.
func (m *Manager) GetBattleQuestions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	sess, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionGone
	}
	return sess.Questions, nil
}

func (m *Manager) message(key, fallback string) string {
	if m.cat == nil {
		return fallback
	}
	s, err := m.cat.Render(key, nil)
	if err != nil {
		return fallback
	}
	return s
}

// newSessionID returns an opaque short token, unique enough for an
// hour-long TTL window.
func newSessionID() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("qb-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("qb-%d-%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
