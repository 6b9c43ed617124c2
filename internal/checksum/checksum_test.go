package checksum

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func TestChecksum_Calculate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	content := []byte("hello world")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	sum := sha256.Sum256(content)
	wantSHA := new(big.Int).SetBytes(sum[:])

	tests := []struct {
		checksum Checksum
		want     *big.Int
	}{
		{SHA256(), wantSHA},
		{CRC32(), big.NewInt(0x0d4a1185)},
		{XXHash(), Bytes(XXHash(), content)},
	}

	for _, tt := range tests {
		t.Run(tt.checksum.Name(), func(t *testing.T) {
			got, err := tt.checksum.Calculate(context.Background(), path)
			if err != nil {
				t.Fatalf("Calculate() error = %v", err)
			}
			if got.Cmp(tt.want) != 0 {
				t.Errorf("Calculate() = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestChecksum_DiffersForDifferentContent(t *testing.T) {
	for _, c := range []Checksum{SHA256(), CRC32(), XXHash()} {
		if Bytes(c, []byte("a")).Cmp(Bytes(c, []byte("b"))) == 0 {
			t.Errorf("%s: same checksum for different content", c.Name())
		}
	}
}

func TestChecksum_Errors(t *testing.T) {
	if _, err := SHA256().Calculate(context.Background(), "/nonexistent/file"); err == nil {
		t.Error("Calculate() expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := SHA256().Calculate(ctx, path); !errors.Is(err, context.Canceled) {
		t.Errorf("Calculate() error = %v, want context.Canceled", err)
	}
}

func TestFromName(t *testing.T) {
	for _, name := range []string{"sha256", "crc32", "xxhash"} {
		c, err := FromName(name)
		if err != nil {
			t.Fatalf("FromName(%q) error = %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("FromName(%q).Name() = %q", name, c.Name())
		}
	}
	if _, err := FromName("md5"); err == nil {
		t.Error("FromName() expected error for unknown checksum")
	}
}
