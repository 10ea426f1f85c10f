// Package blob provides the content-addressed store the marketplace uses for
// proof and metadata payloads. The ledger itself never reads blob bytes; it
// stores only the opaque references minted here.
package blob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrNotFound is returned when no blob exists for the reference.
var ErrNotFound = errors.New("blob: not found")

// Store persists opaque payloads addressed by the keccak256 hex digest of
// their content.
type Store interface {
	Put(data []byte) (string, error)
	Get(ref string) ([]byte, error)
}

// Ref computes the content address for a payload.
func Ref(data []byte) string {
	return hex.EncodeToString(ethcrypto.Keccak256(data))
}

func validateRef(ref string) error {
	trimmed := strings.TrimSpace(ref)
	if len(trimmed) != 64 {
		return fmt.Errorf("blob: invalid reference %q", ref)
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return fmt.Errorf("blob: invalid reference %q", ref)
	}
	return nil
}

// MemStore keeps blobs in memory, for tests.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Put(data []byte) (string, error) {
	ref := Ref(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (s *MemStore) Get(ref string) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// FSStore persists blobs as files named by their content address.
type FSStore struct {
	dir string
}

func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) Put(data []byte) (string, error) {
	ref := Ref(data)
	path := filepath.Join(s.dir, ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *FSStore) Get(ref string) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, strings.TrimSpace(ref)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}
