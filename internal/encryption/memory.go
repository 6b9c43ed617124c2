package encryption

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemorySecretStore keeps the device secret in memory, guarded only by a
// passphrase comparison. It is meant for tests and throwaway setups.
type MemorySecretStore struct {
	mu         sync.Mutex
	device     uuid.UUID
	keySize    int
	secret     []byte
	passphrase string
}

var _ SecretStore = (*MemorySecretStore)(nil)

// NewMemorySecretStore creates an empty in-memory store.
func NewMemorySecretStore(device uuid.UUID, keySize int) *MemorySecretStore {
	return &MemorySecretStore{device: device, keySize: keySize}
}

func (s *MemorySecretStore) Init(passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secret != nil {
		return fmt.Errorf("device secret already exists")
	}
	secret := make([]byte, DeviceSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating device secret: %w", err)
	}
	s.secret = secret
	s.passphrase = passphrase
	return nil
}

func (s *MemorySecretStore) Unlock(passphrase string) (DeviceSecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secret == nil {
		return DeviceSecret{}, ErrNotConfigured
	}
	if passphrase != s.passphrase {
		return DeviceSecret{}, fmt.Errorf("decrypting device secret: incorrect passphrase")
	}
	return DeviceSecret{Device: s.device, Secret: s.secret, KeySize: s.keySize}, nil
}

func (s *MemorySecretStore) ChangePassphrase(current, updated string) error {
	if _, err := s.Unlock(current); err != nil {
		return err
	}
	s.mu.Lock()
	s.passphrase = updated
	s.mu.Unlock()
	return nil
}

func (s *MemorySecretStore) IsConfigured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secret != nil
}
