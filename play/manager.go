// Package play manages play identities: their lifecycle, their operation logs
// and the tokens that grant access to them.
package play

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasuganosora/playtest/cache"
	"github.com/kasuganosora/playtest/playlog"
	"github.com/kasuganosora/playtest/playtoken"
)

var (
	// ErrPlayNotFound is returned for unknown or deleted plays.
	ErrPlayNotFound = errors.New("play: not found")
	// ErrTokenMismatch is returned when a token was issued for another play.
	ErrTokenMismatch = errors.New("play: token issued for another play")
)

// Play is one live play.
type Play struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	log *playlog.Log
}

// Log returns the unrestricted log of the play.
func (p *Play) Log() *playlog.Log { return p.log }

// Manager owns the plays of one harness context.
type Manager struct {
	store  cache.Cache
	ps     cache.PubSub
	issuer *playtoken.Issuer
	logger *zap.Logger

	mu    sync.Mutex
	plays map[string]*Play
}

// NewManager creates a Manager storing logs in store.
func NewManager(store cache.Cache, ps cache.PubSub, issuer *playtoken.Issuer, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		ps:     ps,
		issuer: issuer,
		logger: logger,
		plays:  make(map[string]*Play),
	}
}

func metaKey(id string) string { return "play:" + id }

// CreatePlay starts a new play with an empty log.
func (m *Manager) CreatePlay(ctx context.Context) (*Play, error) {
	p := &Play{ID: uuid.NewString(), CreatedAt: time.Now()}
	p.log = playlog.New(p.ID, m.store, m.ps, m.logger)

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, metaKey(p.ID), string(raw), 0); err != nil {
		return nil, fmt.Errorf("play: store metadata: %w", err)
	}

	m.mu.Lock()
	m.plays[p.ID] = p
	m.mu.Unlock()
	m.logger.Info("play created", zap.String("play_id", p.ID))
	return p, nil
}

// Play returns a live play by id.
func (m *Manager) Play(id string) (*Play, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plays[id]
	if !ok {
		return nil, ErrPlayNotFound
	}
	return p, nil
}

// DeletePlay releases the log and forgets the play.
func (m *Manager) DeletePlay(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.plays[id]
	delete(m.plays, id)
	m.mu.Unlock()
	if !ok {
		return ErrPlayNotFound
	}
	if err := p.log.Release(ctx); err != nil {
		return fmt.Errorf("play: release log: %w", err)
	}
	if err := m.store.Del(ctx, metaKey(id)); err != nil {
		return err
	}
	m.logger.Info("play deleted", zap.String("play_id", id))
	return nil
}

// CreateToken issues a token for a live play.
func (m *Manager) CreateToken(playID string, class playtoken.Class) (string, error) {
	if _, err := m.Play(playID); err != nil {
		return "", err
	}
	return m.issuer.Issue(playID, class)
}

// OpenLog verifies token against playID and returns a log handle limited to
// the permissions of the token's class.
func (m *Manager) OpenLog(playID, token string) (*playlog.Handle, error) {
	p, err := m.Play(playID)
	if err != nil {
		return nil, err
	}
	claims, err := m.issuer.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.PlayID != playID {
		return nil, ErrTokenMismatch
	}
	perm := playlog.PassivePermission
	if claims.Class == playtoken.Authoring {
		perm = playlog.ActivePermission
	}
	return p.log.Open(perm), nil
}

// Count returns the number of live plays.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plays)
}
