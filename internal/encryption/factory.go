package encryption

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/config"
)

// NewSecretStoreFromConfig creates a SecretStore based on the configuration type.
func NewSecretStoreFromConfig(device uuid.UUID, cfg config.EncryptionConfig) (SecretStore, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.SecretPath == "" {
			return nil, fmt.Errorf("encryption.secret_path is required for age secret store")
		}
		return NewAgeSecretStore(device, cfg), nil
	case "memory":
		return NewMemorySecretStore(device, cfg.KeySize), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
