package encryption

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/config"
)

// DeviceSecretSize is the size of a freshly generated device secret in bytes.
const DeviceSecretSize = 64

// ErrNotConfigured is returned when unlocking a store that has no secret yet.
var ErrNotConfigured = errors.New("device secret is not configured")

// SecretStore keeps the device secret protected by a user passphrase.
type SecretStore interface {
	Init(passphrase string) error
	Unlock(passphrase string) (DeviceSecret, error)
	ChangePassphrase(current, updated string) error
	IsConfigured() bool
}

// AgeSecretStore stores the device secret in a file encrypted with age's
// scrypt-based passphrase encryption.
type AgeSecretStore struct {
	device  uuid.UUID
	path    string
	keySize int
}

var _ SecretStore = (*AgeSecretStore)(nil)

// NewAgeSecretStore creates a store for the given device from configuration.
func NewAgeSecretStore(device uuid.UUID, cfg config.EncryptionConfig) *AgeSecretStore {
	return &AgeSecretStore{device: device, path: cfg.SecretPath, keySize: cfg.KeySize}
}

// Init generates a new device secret and stores it encrypted with the passphrase.
// An existing secret is never overwritten.
func (s *AgeSecretStore) Init(passphrase string) error {
	if s.IsConfigured() {
		return fmt.Errorf("device secret already exists at %s", s.path)
	}

	secret := make([]byte, DeviceSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating device secret: %w", err)
	}

	return s.write(secret, passphrase)
}

// Unlock decrypts the stored device secret.
func (s *AgeSecretStore) Unlock(passphrase string) (DeviceSecret, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DeviceSecret{}, ErrNotConfigured
		}
		return DeviceSecret{}, fmt.Errorf("reading device secret file: %w", err)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return DeviceSecret{}, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return DeviceSecret{}, fmt.Errorf("decrypting device secret: %w", err)
	}

	secret, err := io.ReadAll(r)
	if err != nil {
		return DeviceSecret{}, fmt.Errorf("reading decrypted device secret: %w", err)
	}
	if len(secret) == 0 {
		return DeviceSecret{}, fmt.Errorf("device secret is empty")
	}

	return DeviceSecret{Device: s.device, Secret: secret, KeySize: s.keySize}, nil
}

// ChangePassphrase re-encrypts the device secret with a new passphrase.
func (s *AgeSecretStore) ChangePassphrase(current, updated string) error {
	secret, err := s.Unlock(current)
	if err != nil {
		return err
	}
	return s.write(secret.Secret, updated)
}

// IsConfigured returns true if the secret file exists.
func (s *AgeSecretStore) IsConfigured() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *AgeSecretStore) write(secret []byte, passphrase string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating secret directory: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".secret-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w, err := age.Encrypt(tmp, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(secret); err != nil {
		return fmt.Errorf("writing encrypted device secret: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted device secret: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
