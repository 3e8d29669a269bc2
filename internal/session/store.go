package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when an optimistic update loses the race
	// too many times. Callers retry internally; it never reaches users.
	ErrConflict = errors.New("session update conflict")
	// ErrInvalidTransition guards the state machine graph.
	ErrInvalidTransition = errors.New("invalid state transition")
)

const (
	keySession = "vlab:session:"
	keyClaim   = "vlab:claim:"
	keyTouch   = "vlab:activity:"
	keyActive  = "vlab:sessions"

	casRetries = 16
)

// releaseScript deletes a claim key only while it still points at the
// given session, so a stale release never evicts a newer claim.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Store is the authoritative session registry. Redis is the source of
// truth across controller restarts and instances; the in-memory map is
// a cache rebuilt on startup and never trusted blindly.
type Store struct {
	rdb        redis.UniversalClient
	stoppedTTL time.Duration

	mu    sync.RWMutex
	cache map[string]*Session
}

func NewStore(rdb redis.UniversalClient, stoppedTTL time.Duration) *Store {
	return &Store{
		rdb:        rdb,
		stoppedTTL: stoppedTTL,
		cache:      map[string]*Session{},
	}
}

func sessionKey(id string) string { return keySession + id }
func touchKey(id string) string   { return keyTouch + id }

func claimKey(owner, specID string) string {
	return keyClaim + owner + ":" + specID
}

func (s *Store) cacheSet(sess *Session) {
	cp := *sess
	s.mu.Lock()
	s.cache[sess.ID] = &cp
	s.mu.Unlock()
}

func (s *Store) cacheDel(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

// Cached returns the cached copy of a session without touching Redis.
// The copy may be a few seconds stale; callers needing authoritative
// state use Get.
func (s *Store) Cached(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.cache[id]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

func (s *Store) put(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	s.cacheSet(sess)
	return nil
}

// Claim atomically returns the live session for (owner, specID) or
// reserves a new one in Claiming state. Exactly one concurrent caller
// wins the reservation; losers receive the winner's session.
func (s *Store) Claim(ctx context.Context, owner, specID string, groups []string) (*Session, bool, error) {
	ck := claimKey(owner, specID)

	for attempt := 0; attempt < casRetries; attempt++ {
		id := uuid.NewString()
		won, err := s.rdb.SetNX(ctx, ck, id, 0).Result()
		if err != nil {
			return nil, false, fmt.Errorf("claim %s/%s: %w", owner, specID, err)
		}

		if won {
			now := time.Now().UTC()
			sess := &Session{
				ID:             id,
				Owner:          owner,
				Groups:         groups,
				SpecID:         specID,
				State:          StateClaiming,
				CreatedAt:      now,
				LastActivityAt: now,
				Version:        1,
			}
			if err := s.put(ctx, sess, 0); err != nil {
				releaseScript.Run(context.Background(), s.rdb, []string{ck}, id)
				return nil, false, err
			}
			s.rdb.SAdd(ctx, keyActive, id)
			s.rdb.Set(ctx, touchKey(id), now.UnixNano(), 0)
			return sess, true, nil
		}

		winnerID, err := s.rdb.Get(ctx, ck).Result()
		if err == redis.Nil {
			continue // released between SETNX and GET, try again
		}
		if err != nil {
			return nil, false, fmt.Errorf("claim %s/%s: %w", owner, specID, err)
		}

		sess, err := s.Get(ctx, winnerID)
		if errors.Is(err, ErrNotFound) || (err == nil && !sess.State.Live()) {
			// Stale claim left behind by a crash or a finished session.
			releaseScript.Run(ctx, s.rdb, []string{ck}, winnerID)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return sess, false, nil
	}

	return nil, false, fmt.Errorf("claim %s/%s: too much contention", owner, specID)
}

// Get reads the authoritative record from Redis.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		s.cacheDel(id)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	s.loadActivity(ctx, &sess)
	s.cacheSet(&sess)
	return &sess, nil
}

func (s *Store) loadActivity(ctx context.Context, sess *Session) {
	raw, err := s.rdb.Get(ctx, touchKey(sess.ID)).Result()
	if err != nil {
		return
	}
	if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
		sess.LastActivityAt = time.Unix(0, nanos).UTC()
	}
}

// Update applies mutate under optimistic concurrency: the record is
// watched, mutated, version-bumped and written in a transaction.
// Conflicts are retried internally up to a bound.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error) {
	key := sessionKey(id)

	var updated *Session
	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var sess Session
			if err := json.Unmarshal([]byte(raw), &sess); err != nil {
				return fmt.Errorf("decode session %s: %w", id, err)
			}
			if err := mutate(&sess); err != nil {
				return err
			}
			sess.Version++

			data, err := json.Marshal(&sess)
			if err != nil {
				return fmt.Errorf("marshal session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, redis.KeepTTL)
				return nil
			})
			if err == nil {
				updated = &sess
			}
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.loadActivity(ctx, updated)
		s.cacheSet(updated)
		return updated, nil
	}

	return nil, fmt.Errorf("%w: session %s", ErrConflict, id)
}

// Transition moves a session along the state machine graph, rejecting
// edges the graph does not allow.
func (s *Store) Transition(ctx context.Context, id string, to State, mutate func(*Session)) (*Session, error) {
	return s.Update(ctx, id, func(sess *Session) error {
		if !sess.State.CanTransition(to) {
			return fmt.Errorf("%w: %s → %s (session %s)", ErrInvalidTransition, sess.State, to, id)
		}
		sess.State = to
		if mutate != nil {
			mutate(sess)
		}
		return nil
	})
}

// Touch records proxy activity. Last-writer-wins on a dedicated key so
// concurrent proxied requests never conflict with state transitions.
func (s *Store) Touch(ctx context.Context, id string) {
	if err := s.rdb.Set(ctx, touchKey(id), time.Now().UTC().UnixNano(), 0).Err(); err != nil {
		log.Printf("touch session %s: %v", id, err)
	}
}

// ListActive returns all non-purged sessions.
func (s *Store) ListActive(ctx context.Context) ([]*Session, error) {
	ids, err := s.rdb.SMembers(ctx, keyActive).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Record expired out from under the index.
			s.rdb.SRem(ctx, keyActive, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// ReleaseClaim frees the (owner, spec) slot held by sessionID so a new
// session can be claimed while this one drains.
func (s *Store) ReleaseClaim(ctx context.Context, sess *Session) {
	releaseScript.Run(ctx, s.rdb, []string{claimKey(sess.Owner, sess.SpecID)}, sess.ID)
}

// Finalize expires a terminal session's record. The record stays
// readable for the configured TTL so users can see why it stopped.
func (s *Store) Finalize(ctx context.Context, sess *Session) {
	s.ReleaseClaim(ctx, sess)
	s.rdb.Expire(ctx, sessionKey(sess.ID), s.stoppedTTL)
	s.rdb.Expire(ctx, touchKey(sess.ID), s.stoppedTTL)
	s.rdb.SRem(ctx, keyActive, sess.ID)
	s.cacheDel(sess.ID)
}

// Delete removes a session record entirely.
func (s *Store) Delete(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err == nil {
		s.ReleaseClaim(ctx, sess)
	}
	s.rdb.Del(ctx, sessionKey(id), touchKey(id))
	s.rdb.SRem(ctx, keyActive, id)
	s.cacheDel(id)
	return nil
}

// Rebuild scans the backing store on startup and repopulates the
// in-memory cache. Terminal records are left to their TTL; sessions
// stuck in Claiming from a crashed instance are dropped so their slot
// frees up.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.cache = map[string]*Session{}
	s.mu.Unlock()

	ids, err := s.rdb.SMembers(ctx, keyActive).Result()
	if err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}

	n := 0
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.rdb.SRem(ctx, keyActive, id)
			continue
		}
		if err != nil {
			return n, err
		}
		if sess.State == StateClaiming {
			log.Printf("Dropping stale claiming session %s (%s/%s)", sess.ID, sess.Owner, sess.SpecID)
			s.Delete(ctx, sess.ID)
			continue
		}
		n++
	}
	return n, nil
}
