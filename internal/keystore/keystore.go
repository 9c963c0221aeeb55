// Package keystore implements identity.KeyStore on disk and in memory.
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nearlink/internal/errs"
	"nearlink/internal/identity"
)

// FileStore keeps each pair as two hex files, <name>_pub.hex and
// <name>_priv.hex, with 0600 permissions inside dir.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("missing key dir")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) paths(name string) (string, string) {
	return filepath.Join(s.dir, name+"_pub.hex"), filepath.Join(s.dir, name+"_priv.hex")
}

func (s *FileStore) StoreKeyPair(name string, kp identity.KeyPair) error {
	if len(kp.PublicKey) == 0 || len(kp.PrivateKey) == 0 {
		return errors.New("empty key")
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("bad key name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pubPath, privPath := s.paths(name)
	if err := os.WriteFile(privPath, []byte(identity.EncodeKey(kp.PrivateKey)), 0600); err != nil {
		return err
	}
	return os.WriteFile(pubPath, []byte(identity.EncodeKey(kp.PublicKey)), 0600)
}

func (s *FileStore) GetKeyPair(name string) (identity.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pubPath, privPath := s.paths(name)
	pubHex, err := os.ReadFile(pubPath)
	if err != nil {
		if os.IsNotExist(err) {
			return identity.KeyPair{}, fmt.Errorf("%s key: %w", name, errs.ErrNotFound)
		}
		return identity.KeyPair{}, err
	}
	privHex, err := os.ReadFile(privPath)
	if err != nil {
		if os.IsNotExist(err) {
			return identity.KeyPair{}, fmt.Errorf("%s private key: %w", name, errs.ErrNotFound)
		}
		return identity.KeyPair{}, err
	}
	pub, err := identity.DecodeKey(strings.TrimSpace(string(pubHex)))
	if err != nil {
		return identity.KeyPair{}, fmt.Errorf("%s_pub.hex: %w", name, err)
	}
	priv, err := identity.DecodeKey(strings.TrimSpace(string(privHex)))
	if err != nil {
		return identity.KeyPair{}, fmt.Errorf("%s_priv.hex: %w", name, err)
	}
	created := time.Time{}
	if st, err := os.Stat(pubPath); err == nil {
		created = st.ModTime().UTC()
	}
	return identity.KeyPair{PublicKey: pub, PrivateKey: priv, CreatedAt: created}, nil
}

func (s *FileStore) HasKeys() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(s.dir, "*_priv.hex"))
	return err == nil && len(matches) > 0
}

func (s *FileStore) DeleteKeys() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.hex"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

type MemoryStore struct {
	mu    sync.Mutex
	pairs map[string]identity.KeyPair
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pairs: make(map[string]identity.KeyPair)}
}

func (s *MemoryStore) StoreKeyPair(name string, kp identity.KeyPair) error {
	if len(kp.PublicKey) == 0 || len(kp.PrivateKey) == 0 {
		return errors.New("empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kp.PublicKey = append([]byte(nil), kp.PublicKey...)
	kp.PrivateKey = append([]byte(nil), kp.PrivateKey...)
	if kp.CreatedAt.IsZero() {
		kp.CreatedAt = time.Now().UTC()
	}
	s.pairs[name] = kp
	return nil
}

func (s *MemoryStore) GetKeyPair(name string) (identity.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.pairs[name]
	if !ok {
		return identity.KeyPair{}, fmt.Errorf("%s key: %w", name, errs.ErrNotFound)
	}
	kp.PublicKey = append([]byte(nil), kp.PublicKey...)
	kp.PrivateKey = append([]byte(nil), kp.PrivateKey...)
	return kp, nil
}

func (s *MemoryStore) HasKeys() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs) > 0
}

func (s *MemoryStore) DeleteKeys() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = make(map[string]identity.KeyPair)
	return nil
}
