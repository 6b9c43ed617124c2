package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

const (
	// IVSize is the GCM nonce size in bytes.
	IVSize = 12
	// TagSize is the GCM authentication tag size in bytes.
	TagSize = 16
	// DefaultMaxPlaintextSize bounds a single cipher invocation when no limit is configured.
	DefaultMaxPlaintextSize int64 = 64 << 20
)

var (
	// ErrPlaintextTooLarge is returned when more plaintext is written than one invocation allows.
	ErrPlaintextTooLarge = errors.New("plaintext exceeds maximum size for a single cipher invocation")
	// ErrAuthentication is returned when ciphertext fails GCM authentication.
	ErrAuthentication = errors.New("ciphertext authentication failed")
	// ErrFinalized is returned when writing to a closed encrypting writer.
	ErrFinalized = errors.New("cipher stream already finalized")
)

// CiphertextSize is the number of bytes produced for the given plaintext size.
func CiphertextSize(plaintextSize int64) int64 {
	return plaintextSize + TagSize
}

func newAEAD(secret Secret) (cipher.AEAD, error) {
	if n := len(secret.Key); n != 16 && n != 32 {
		return nil, fmt.Errorf("invalid key size: %d bytes", n)
	}
	if len(secret.IV) != IVSize {
		return nil, fmt.Errorf("invalid IV size: %d bytes", len(secret.IV))
	}
	block, err := aes.NewCipher(secret.Key)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}

// EncryptingWriter collects plaintext and writes it to the underlying writer
// as AES-GCM ciphertext followed by the tag when closed. A whole part is held
// in memory, at most maxPlaintextSize plus TagSize bytes, and sealed in place.
type EncryptingWriter struct {
	w         io.Writer
	aead      cipher.AEAD
	iv        []byte
	max       int64
	plaintext bytes.Buffer
	closed    bool
}

// NewEncryptingWriter creates a writer sealing at most maxPlaintextSize bytes.
func NewEncryptingWriter(w io.Writer, secret Secret, maxPlaintextSize int64) (*EncryptingWriter, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	if maxPlaintextSize <= 0 {
		maxPlaintextSize = DefaultMaxPlaintextSize
	}
	return &EncryptingWriter{w: w, aead: aead, iv: secret.IV, max: maxPlaintextSize}, nil
}

func (e *EncryptingWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, ErrFinalized
	}
	if int64(e.plaintext.Len())+int64(len(p)) > e.max {
		return 0, ErrPlaintextTooLarge
	}
	// leave room for the tag so Close never reallocates
	e.plaintext.Grow(len(p) + TagSize)
	return e.plaintext.Write(p)
}

// Close seals the buffered plaintext. Only the first call writes ciphertext.
func (e *EncryptingWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	e.plaintext.Grow(TagSize)
	plaintext := e.plaintext.Bytes()
	sealed := e.aead.Seal(plaintext[:0], e.iv, plaintext, nil)
	defer e.plaintext.Reset()

	if _, err := e.w.Write(sealed); err != nil {
		return fmt.Errorf("writing ciphertext: %w", err)
	}
	return nil
}

// DecryptingReader authenticates and decrypts a bounded ciphertext on first
// read. The ciphertext is read fully and opened in place.
type DecryptingReader struct {
	r         io.Reader
	aead      cipher.AEAD
	iv        []byte
	max       int64
	plaintext *bytes.Reader
	err       error
}

// NewDecryptingReader creates a reader for ciphertext produced by EncryptingWriter.
func NewDecryptingReader(r io.Reader, secret Secret, maxPlaintextSize int64) (*DecryptingReader, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	if maxPlaintextSize <= 0 {
		maxPlaintextSize = DefaultMaxPlaintextSize
	}
	return &DecryptingReader{r: r, aead: aead, iv: secret.IV, max: maxPlaintextSize}, nil
}

func (d *DecryptingReader) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.plaintext == nil {
		if err := d.open(); err != nil {
			d.err = err
			return 0, err
		}
	}
	return d.plaintext.Read(p)
}

func (d *DecryptingReader) open() error {
	limit := CiphertextSize(d.max)
	ciphertext, err := io.ReadAll(io.LimitReader(d.r, limit+1))
	if err != nil {
		return fmt.Errorf("reading ciphertext: %w", err)
	}
	if int64(len(ciphertext)) > limit {
		return ErrPlaintextTooLarge
	}

	plaintext, err := d.aead.Open(ciphertext[:0], d.iv, ciphertext, nil)
	if err != nil {
		return ErrAuthentication
	}
	d.plaintext = bytes.NewReader(plaintext)
	return nil
}
