package battle

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quizduel/internal/domain"
)

const keyQueue = "battle:queue"

// Store owns all ephemeral battle state in Redis: the matchmaking queue set,
// immutable session records, and open-lobby markers. All queue mutation goes
// through Redis set primitives; no read-modify-write cycle happens here or in
// any caller.
type Store struct {
	rdb        *redis.Client
	sessionTTL time.Duration
	lobbyTTL   time.Duration
}

func NewStore(rdb *redis.Client, sessionTTL, lobbyTTL time.Duration) *Store {
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	if lobbyTTL <= 0 {
		lobbyTTL = 10 * time.Minute
	}
	return &Store{rdb: rdb, sessionTTL: sessionTTL, lobbyTTL: lobbyTTL}
}

func keySession(id string) string { return "battle:session:" + strings.TrimSpace(id) }
func keyLobby(code string) string { return "battle:lobby:" + strings.TrimSpace(code) }

// PopWaiter atomically removes and returns one arbitrary queued connection id.
// Returns "" when the queue is empty.
func (s *Store) PopWaiter(ctx context.Context) (string, error) {
	id, err := s.rdb.SPop(ctx, keyQueue).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// AddWaiter inserts a connection id into the queue set. Set semantics keep an
// id from appearing twice.
func (s *Store) AddWaiter(ctx context.Context, connID string) error {
	return s.rdb.SAdd(ctx, keyQueue, connID).Err()
}

// RemoveWaiter deletes a queued connection id; removing an absent id is fine.
func (s *Store) RemoveWaiter(ctx context.Context, connID string) error {
	return s.rdb.SRem(ctx, keyQueue, connID).Err()
}

// SaveSession persists an immutable session record under its fixed TTL.
// It is written exactly once; nothing ever rewrites or refreshes it.
func (s *Store) SaveSession(ctx context.Context, sess *domain.BattleSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keySession(sess.ID), raw, s.sessionTTL).Err()
}

// LoadSession returns the session or nil when expired/absent.
func (s *Store) LoadSession(ctx context.Context, id string) (*domain.BattleSession, error) {
	raw, err := s.rdb.Get(ctx, keySession(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess domain.BattleSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// OpenLobby allocates a fresh shareable lobby code and marks it open with a
// TTL. SetNX keeps concurrent allocations from colliding on a code.
func (s *Store) OpenLobby(ctx context.Context) (string, error) {
	for i := 0; i < 5; i++ {
		code, err := codeGen()
		if err != nil {
			return "", err
		}
		ok, err := s.rdb.SetNX(ctx, keyLobby(code), "open", s.lobbyTTL).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to allocate lobby code")
}

// LobbyOpen reports whether a lobby code is still valid.
func (s *Store) LobbyOpen(ctx context.Context, code string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyLobby(code)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CloseLobby drops the lobby marker once its battle has started.
func (s *Store) CloseLobby(ctx context.Context, code string) error {
	return s.rdb.Del(ctx, keyLobby(code)).Err()
}

// codeGen returns `BR-` + 6 upper alnum.
func codeGen() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return fmt.Sprintf("BR-%s", string(b)), nil
}
