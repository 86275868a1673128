package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vigild/vigil/pkg/log"
)

const dbFileName = "vigil.db"

var bucketServices = []byte("services")

// ServiceState is the durable slice of a service's status.
type ServiceState struct {
	RestartCount  int       `json:"restartCount"`
	LastRestartAt time.Time `json:"lastRestartAt,omitempty"`
}

// Store wraps the bbolt database.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the state database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, dbFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketServices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}
	log.WithComponent("state").Debug().Str("path", path).Msg("state store opened")
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the persisted state for a service, or the zero state when
// none exists.
func (s *Store) Load(serviceID string) (ServiceState, error) {
	var st ServiceState
	if s == nil {
		return st, nil
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get([]byte(serviceID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &st)
	})
	return st, err
}

// Save persists the state for a service.
func (s *Store) Save(serviceID string, st ServiceState) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketServices).Put([]byte(serviceID), data)
	})
}
