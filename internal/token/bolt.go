package token

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/pkg/logger"
)

var bucketName = []byte("tokens")

// BoltStore persists tokens across restarts so users do not have to
// re-authenticate every deployment.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the token database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	// Create bucket if not exists
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("token store initialized", zap.String("path", path))
	return &BoltStore{db: db, now: time.Now}, nil
}

// Get retrieves a token, lazily evicting it when expired
func (s *BoltStore) Get(userID, provider string) (models.CachedToken, bool) {
	k := []byte(key(userID, provider))

	var t models.CachedToken
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get(k)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return models.CachedToken{}, false
	}

	if t.Expired(s.now()) {
		_ = s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketName).Delete(k)
		})
		return models.CachedToken{}, false
	}
	return t, true
}

// Put stores or replaces a token
func (s *BoltStore) Put(t models.CachedToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key(t.UserID, t.Provider)), data)
	})
}

// Invalidate removes a token
func (s *BoltStore) Invalidate(userID, provider string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key(userID, provider)))
	})
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}
