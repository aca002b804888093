package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const sessionsBucket = "sessions"

// DefaultSessionTTL is how long a login stays valid
const DefaultSessionTTL = 24 * time.Hour

// ErrSessionNotFound is returned for unknown, revoked, expired or forged sessions
var ErrSessionNotFound = errors.New("session not found")

type sessionRecord struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore issues signed session tokens and remembers which are live.
// The token is an HS256 JWT; its ID must also exist in the sessions bucket,
// so logging out revokes it before it expires.
type SessionStore struct {
	db     *bbolt.DB
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionStore opens (or creates) the session database at path
func NewSessionStore(path string, secret []byte, ttl time.Duration) (*SessionStore, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("session secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &SessionStore{
		db:     db,
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL is the lifetime of new sessions
func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

// Create starts a session and returns its signed token
func (s *SessionStore) Create() (string, error) {
	now := s.now()
	id := uuid.NewString()
	expires := now.Add(s.ttl)

	data, err := json.Marshal(sessionRecord{ExpiresAt: expires})
	if err != nil {
		return "", fmt.Errorf("marshaling session: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(id), data)
	})
	if err != nil {
		return "", fmt.Errorf("saving session: %w", err)
	}

	claims := jwt.RegisteredClaims{
		ID:        id,
		Subject:   "household",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing session: %w", err)
	}
	return token, nil
}

func (s *SessionStore) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return s.secret, nil
}

// sessionID verifies the signature and returns the token's session ID
func (s *SessionStore) sessionID(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, s.keyFunc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	if claims.ID == "" {
		return "", ErrSessionNotFound
	}
	return claims.ID, nil
}

// Valid reports whether token belongs to a live session
func (s *SessionStore) Valid(token string) error {
	id, err := s.sessionID(token)
	if err != nil {
		return err
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(sessionsBucket)).Get([]byte(id))
		if data == nil {
			return ErrSessionNotFound
		}
		var rec sessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshaling session: %w", err)
		}
		if !s.now().Before(rec.ExpiresAt) {
			return ErrSessionNotFound
		}
		return nil
	})
}

// Revoke ends the session behind token. Unknown sessions are ignored.
func (s *SessionStore) Revoke(token string) error {
	id, err := s.sessionID(token)
	if err != nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Delete([]byte(id))
	})
}

// Prune deletes expired sessions and returns how many were removed
func (s *SessionStore) Prune() (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var rec sessionRecord
			if err := json.Unmarshal(v, &rec); err != nil || !now.Before(rec.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return removed, nil
}

// PruneEvery prunes once immediately and then on every interval tick.
// It returns when ctx is done; cancel it before calling Close.
func (s *SessionStore) PruneEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		removed, err := s.Prune()
		if err != nil {
			slog.Error("Failed to prune sessions", "error", err)
		} else if removed > 0 {
			slog.Info("Pruned expired sessions", "count", removed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close closes the database
func (s *SessionStore) Close() error {
	return s.db.Close()
}
