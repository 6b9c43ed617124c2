package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Secret is the key material for one cipher invocation.
type Secret struct {
	Key []byte
	IV  []byte
}

// DeviceSecret is the raw per-device secret every crate secret is derived from.
type DeviceSecret struct {
	Device  uuid.UUID
	Secret  []byte
	KeySize int // 16 or 32
}

// SaltSize is the size of the random salt generated for every content push.
const SaltSize = 16

// NewSalt returns a fresh random salt for FileSecret.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// FileSecret derives the secret for one part of a file. Every push of a file's
// content uses a new salt, so the same content pushed twice never shares a key
// and IV pair, even when it is compressed differently.
func (d DeviceSecret) FileSecret(path string, checksum *big.Int, salt []byte, partIndex int) (Secret, error) {
	sum := "0"
	if checksum != nil {
		sum = checksum.Text(16)
	}
	info := "file:" + path + ":" + sum + ":" + hex.EncodeToString(salt) + ":" + strconv.Itoa(partIndex)
	return d.derive(info)
}

// MetadataSecret derives the secret for a dataset metadata crate.
func (d DeviceSecret) MetadataSecret(crate uuid.UUID) (Secret, error) {
	return d.derive("metadata:" + crate.String())
}

func (d DeviceSecret) derive(info string) (Secret, error) {
	keySize := d.KeySize
	if keySize == 0 {
		keySize = 32
	}
	if keySize != 16 && keySize != 32 {
		return Secret{}, fmt.Errorf("invalid key size: %d bytes", keySize)
	}
	if len(d.Secret) == 0 {
		return Secret{}, fmt.Errorf("device secret is empty")
	}

	r := hkdf.New(sha256.New, d.Secret, d.Device[:], []byte(info))
	material := make([]byte, keySize+IVSize)
	if _, err := io.ReadFull(r, material); err != nil {
		return Secret{}, fmt.Errorf("deriving secret: %w", err)
	}

	return Secret{Key: material[:keySize], IV: material[keySize:]}, nil
}
