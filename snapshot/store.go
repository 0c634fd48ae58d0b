package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eljojo/relaycache/utilities"
	"github.com/sirupsen/logrus"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// blobBackend is the key/value surface each storage engine provides.
type blobBackend interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	put(ctx context.Context, key string, value []byte) error
	delete(ctx context.Context, key string) error
	close() error
}

// Store implements Gateway and VideoStore on top of a key/value backend,
// sealing values when an encryptor is configured.
type Store struct {
	backend   blobBackend
	encryptor *utilities.Encryptor
	name      string
}

// Open creates a store for the named backend. path is ignored for memory.
// enc may be nil.
func Open(backend, path string, enc *utilities.Encryptor) (*Store, error) {
	var b blobBackend
	var err error
	switch backend {
	case "", BackendMemory:
		backend = BackendMemory
		b = newMemoryBackend()
	case BackendSQLite:
		b, err = newSQLiteBackend(path)
	case BackendBadger:
		b, err = newBadgerBackend(path)
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s snapshot store: %w", backend, err)
	}
	logrus.Debugf("💾 snapshot store: %s (encrypted=%v)", backend, enc != nil)
	return &Store{backend: b, encryptor: enc, name: backend}, nil
}

// NewMemoryStore is a non-persistent store, for tests and the default CLI mode.
func NewMemoryStore() *Store {
	return &Store{backend: newMemoryBackend(), name: BackendMemory}
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	return s.name
}

func (s *Store) Close() error {
	return s.backend.close()
}

func (s *Store) readJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.backend.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if s.encryptor != nil {
		if raw, err = s.encryptor.OpenBlob(raw); err != nil {
			return false, fmt.Errorf("open %s: %w", key, err)
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) writeJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if s.encryptor != nil {
		if raw, err = s.encryptor.SealBlob(raw); err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
	}
	return s.backend.put(ctx, key, raw)
}

// Load returns the normalized snapshot for actor; nil when none is stored.
func (s *Store) Load(ctx context.Context, actor string) ([]ConversationSummary, error) {
	key, err := StorageKey(actor)
	if err != nil {
		return nil, err
	}
	var rows []ConversationSummary
	ok, err := s.readJSON(ctx, key, &rows)
	if err != nil || !ok {
		return nil, err
	}
	return NormalizeSummaries(rows), nil
}

// Save normalizes and writes summaries for actor.
func (s *Store) Save(ctx context.Context, actor string, summaries []ConversationSummary) error {
	key, err := StorageKey(actor)
	if err != nil {
		return err
	}
	return s.writeJSON(ctx, key, NormalizeSummaries(summaries))
}

func (s *Store) Clear(ctx context.Context, actor string) error {
	key, err := StorageKey(actor)
	if err != nil {
		return err
	}
	return s.backend.delete(ctx, key)
}

// LoadVideos returns the saved video cache, or nil when nothing is stored.
func (s *Store) LoadVideos(ctx context.Context) (*VideoState, error) {
	var state VideoState
	ok, err := s.readJSON(ctx, videoCacheKey, &state)
	if err != nil || !ok {
		return nil, err
	}
	if state.Version != storageVersion {
		return nil, fmt.Errorf("video cache version %d not supported", state.Version)
	}
	return &state, nil
}

func (s *Store) SaveVideos(ctx context.Context, state *VideoState) error {
	if state == nil {
		return errors.New("nil video state")
	}
	stamped := *state
	stamped.Version = storageVersion
	if stamped.SavedAt == 0 {
		stamped.SavedAt = time.Now().Unix()
	}
	return s.writeJSON(ctx, videoCacheKey, &stamped)
}
