package encryption

import (
	"bytes"
	"errors"
	"io"
	"math/big"
	"testing"
)

func testSecret(t *testing.T, keySize int) Secret {
	t.Helper()
	d := DeviceSecret{Device: testDevice, Secret: bytes.Repeat([]byte{7}, 64), KeySize: keySize}
	s, err := d.FileSecret("/data/file", big.NewInt(42), nil, 0)
	if err != nil {
		t.Fatalf("FileSecret() error = %v", err)
	}
	return s
}

func encrypt(t *testing.T, secret Secret, max int64, plaintext []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewEncryptingWriter(&buf, secret, max)
	if err != nil {
		t.Fatalf("NewEncryptingWriter() error = %v", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	const max = 1024

	for _, keySize := range []int{16, 32} {
		secret := testSecret(t, keySize)
		for _, size := range []int{0, 1, 15, 16, 17, max - 1, max} {
			plaintext := bytes.Repeat([]byte{0xab}, size)

			ciphertext := encrypt(t, secret, max, plaintext)
			if int64(len(ciphertext)) != CiphertextSize(int64(size)) {
				t.Errorf("key %d size %d: ciphertext = %d bytes, want %d", keySize, size, len(ciphertext), CiphertextSize(int64(size)))
			}

			r, err := NewDecryptingReader(bytes.NewReader(ciphertext), secret, max)
			if err != nil {
				t.Fatalf("NewDecryptingReader() error = %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("key %d size %d: ReadAll() error = %v", keySize, size, err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Errorf("key %d size %d: round trip mismatch", keySize, size)
			}

			if n, err := r.Read(make([]byte, 1)); n != 0 || err != io.EOF {
				t.Errorf("Read() after end = (%d, %v), want (0, EOF)", n, err)
			}
		}
	}
}

func TestEncryptingWriter_ExceedsMaximum(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewEncryptingWriter(&buf, testSecret(t, 32), 8)
	if err != nil {
		t.Fatalf("NewEncryptingWriter() error = %v", err)
	}

	if _, err := w.Write([]byte("12345")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := w.Write([]byte("6789")); !errors.Is(err, ErrPlaintextTooLarge) {
		t.Errorf("Write() error = %v, want ErrPlaintextTooLarge", err)
	}
}

func TestEncryptingWriter_Finalization(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewEncryptingWriter(&buf, testSecret(t, 32), 64)
	if err != nil {
		t.Fatalf("NewEncryptingWriter() error = %v", err)
	}
	if _, err := w.Write([]byte("data")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	written := buf.Len()

	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := w.Write([]byte("more")); !errors.Is(err, ErrFinalized) {
		t.Errorf("Write() after Close error = %v, want ErrFinalized", err)
	}
	if buf.Len() != written {
		t.Errorf("output grew after finalization: %d -> %d", written, buf.Len())
	}
}

// retainingWriter keeps the last slice it was given without copying it.
type retainingWriter struct {
	written []byte
}

func (w *retainingWriter) Write(p []byte) (int, error) {
	w.written = p
	return len(p), nil
}

func TestEncryptingWriter_SealsInPlace(t *testing.T) {
	secret := testSecret(t, 32)
	plaintext := bytes.Repeat([]byte{0xcd}, 4096)

	out := &retainingWriter{}
	w, err := NewEncryptingWriter(out, secret, int64(len(plaintext)))
	if err != nil {
		t.Fatalf("NewEncryptingWriter() error = %v", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buffered := w.plaintext.Bytes()
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if int64(len(out.written)) != CiphertextSize(int64(len(plaintext))) {
		t.Fatalf("ciphertext = %d bytes, want %d", len(out.written), CiphertextSize(int64(len(plaintext))))
	}
	if &out.written[0] != &buffered[0] {
		t.Error("Close() sealed into a second buffer")
	}

	r, err := NewDecryptingReader(bytes.NewReader(out.written), secret, int64(len(plaintext)))
	if err != nil {
		t.Fatalf("NewDecryptingReader() error = %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("round trip mismatch")
	}
}

func TestDecryptingReader_Tampered(t *testing.T) {
	secret := testSecret(t, 32)
	ciphertext := encrypt(t, secret, 64, []byte("sensitive content"))
	ciphertext[3] ^= 0xff

	r, err := NewDecryptingReader(bytes.NewReader(ciphertext), secret, 64)
	if err != nil {
		t.Fatalf("NewDecryptingReader() error = %v", err)
	}
	got, err := io.ReadAll(r)
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("ReadAll() error = %v, want ErrAuthentication", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadAll() returned %d bytes of plaintext", len(got))
	}
}

func TestDecryptingReader_WrongSecret(t *testing.T) {
	ciphertext := encrypt(t, testSecret(t, 32), 64, []byte("content"))

	d := DeviceSecret{Device: testDevice, Secret: bytes.Repeat([]byte{7}, 64), KeySize: 32}
	other, err := d.FileSecret("/data/file", big.NewInt(42), nil, 1)
	if err != nil {
		t.Fatalf("FileSecret() error = %v", err)
	}

	r, err := NewDecryptingReader(bytes.NewReader(ciphertext), other, 64)
	if err != nil {
		t.Fatalf("NewDecryptingReader() error = %v", err)
	}
	if _, err := io.ReadAll(r); !errors.Is(err, ErrAuthentication) {
		t.Errorf("ReadAll() error = %v, want ErrAuthentication", err)
	}
}

func TestDecryptingReader_ExceedsMaximum(t *testing.T) {
	secret := testSecret(t, 32)
	ciphertext := encrypt(t, secret, 128, bytes.Repeat([]byte{1}, 100))

	r, err := NewDecryptingReader(bytes.NewReader(ciphertext), secret, 64)
	if err != nil {
		t.Fatalf("NewDecryptingReader() error = %v", err)
	}
	if _, err := io.ReadAll(r); !errors.Is(err, ErrPlaintextTooLarge) {
		t.Errorf("ReadAll() error = %v, want ErrPlaintextTooLarge", err)
	}
}

func TestNewEncryptingWriter_InvalidSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret Secret
	}{
		{"short key", Secret{Key: make([]byte, 8), IV: make([]byte, IVSize)}},
		{"short iv", Secret{Key: make([]byte, 32), IV: make([]byte, 8)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEncryptingWriter(io.Discard, tt.secret, 64); err == nil {
				t.Error("NewEncryptingWriter() expected error")
			}
		})
	}
}
