// Package voice bridges the external speech pipeline to the scheduling core.
// It consumes already-extracted intents and entities; no language
// understanding happens here.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// sessionTTL bounds how long an unfinished booking conversation is retained.
const sessionTTL = 30 * time.Minute

// Session is the explicit per-conversation state the caller threads through
// Resolve. Entities collected across turns accumulate here so a follow-up
// answer can complete a booking; the core itself stays stateless.
type Session struct {
	ID              string            `json:"id"`
	PendingIntent   string            `json:"pending_intent,omitempty"`
	PendingEntities map[string]string `json:"pending_entities,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewSession creates an empty session.
func NewSession(id string) *Session {
	return &Session{ID: id, PendingEntities: map[string]string{}}
}

// Merge folds newer entities over the pending ones; empty values never
// overwrite collected answers.
func (s *Session) Merge(intent string, entities map[string]string) {
	if s.PendingEntities == nil {
		s.PendingEntities = map[string]string{}
	}
	if intent != "" && intent != s.PendingIntent {
		// A new intent abandons the previous half-finished flow.
		s.PendingIntent = intent
		s.PendingEntities = map[string]string{}
	}
	for k, v := range entities {
		if v != "" {
			s.PendingEntities[k] = v
		}
	}
	s.UpdatedAt = time.Now().UTC()
}

// Clear drops the pending flow after it completed or was abandoned.
func (s *Session) Clear() {
	s.PendingIntent = ""
	s.PendingEntities = map[string]string{}
	s.UpdatedAt = time.Now().UTC()
}

// SessionStore persists sessions between turns.
type SessionStore interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Reset(ctx context.Context, id string) error
}

// RedisSessionStore keeps sessions in Redis with a TTL.
type RedisSessionStore struct {
	redis  *redis.Client
	tracer trace.Tracer
}

// NewRedisSessionStore creates the store.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	if client == nil {
		panic("voice: redis client cannot be nil")
	}
	return &RedisSessionStore{
		redis:  client,
		tracer: otel.Tracer("scheduler.internal.voice.sessions"),
	}
}

// Load fetches a session, returning a fresh one when none exists yet.
func (s *RedisSessionStore) Load(ctx context.Context, id string) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "voice.load_session")
	defer span.End()

	data, err := s.redis.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return NewSession(id), nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("voice: load session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("voice: decode session: %w", err)
	}
	return &session, nil
}

// Save persists the session with the conversation TTL.
func (s *RedisSessionStore) Save(ctx context.Context, session *Session) error {
	ctx, span := s.tracer.Start(ctx, "voice.save_session")
	defer span.End()

	data, err := json.Marshal(session)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("voice: encode session: %w", err)
	}
	if err := s.redis.Set(ctx, sessionKey(session.ID), data, sessionTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("voice: persist session: %w", err)
	}
	return nil
}

// Reset deletes the session.
func (s *RedisSessionStore) Reset(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "voice.reset_session")
	defer span.End()

	if err := s.redis.Del(ctx, sessionKey(id)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("voice: reset session: %w", err)
	}
	return nil
}

func sessionKey(id string) string {
	return fmt.Sprintf("voice_session:%s", id)
}

// InMemorySessionStore holds sessions in a map; tests and single-node dev
// setups use it in place of Redis.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemorySessionStore creates an empty store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]*Session)}
}

func (s *InMemorySessionStore) Load(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if session, ok := s.sessions[id]; ok {
		return cloneSession(session), nil
	}
	return NewSession(id), nil
}

func (s *InMemorySessionStore) Save(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func cloneSession(session *Session) *Session {
	c := *session
	c.PendingEntities = maps.Clone(session.PendingEntities)
	return &c
}

func (s *InMemorySessionStore) Reset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}
