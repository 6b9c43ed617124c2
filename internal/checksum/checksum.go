// Package checksum calculates content digests of files as big integers.
package checksum

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math/big"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Checksum calculates a digest of a file's content.
type Checksum interface {
	Name() string
	Calculate(ctx context.Context, path string) (*big.Int, error)
}

type hashChecksum struct {
	name    string
	newHash func() hash.Hash
}

// SHA256 digests content with SHA-256.
func SHA256() Checksum { return hashChecksum{name: "sha256", newHash: sha256.New} }

// CRC32 digests content with the IEEE CRC-32 polynomial.
func CRC32() Checksum {
	return hashChecksum{name: "crc32", newHash: func() hash.Hash { return crc32.NewIEEE() }}
}

// XXHash digests content with 64-bit xxHash.
func XXHash() Checksum {
	return hashChecksum{name: "xxhash", newHash: func() hash.Hash { return xxhash.New() }}
}

// FromName returns the checksum with the given name.
func FromName(name string) (Checksum, error) {
	switch name {
	case "sha256", "":
		return SHA256(), nil
	case "crc32":
		return CRC32(), nil
	case "xxhash":
		return XXHash(), nil
	default:
		return nil, fmt.Errorf("unknown checksum: %q", name)
	}
}

func (c hashChecksum) Name() string { return c.name }

func (c hashChecksum) Calculate(ctx context.Context, path string) (*big.Int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	h := c.newHash()
	if _, err := io.Copy(h, &contextReader{ctx: ctx, r: f}); err != nil {
		return nil, fmt.Errorf("calculating %s checksum of %s: %w", c.name, path, err)
	}
	return new(big.Int).SetBytes(h.Sum(nil)), nil
}

// Bytes digests in-memory content, mostly useful in tests.
func Bytes(c Checksum, data []byte) *big.Int {
	hc, ok := c.(hashChecksum)
	if !ok {
		return nil
	}
	h := hc.newHash()
	h.Write(data)
	return new(big.Int).SetBytes(h.Sum(nil))
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
