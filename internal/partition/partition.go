// Package partition splits content streams into bounded, individually
// encrypted parts and reassembles them.
package partition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/sndnv/stasis-sub004/internal/encryption"
)

// DefaultChunkSize is the read size used while staging parts.
const DefaultChunkSize = 8 * 1024

const partSeparator = "__part="

// ErrNoParts is returned when merging an empty list of parts.
var ErrNoParts = errors.New("no parts to merge")

// Staging provides the temporary files parts are written to.
type Staging interface {
	Temporary() (string, error)
	Discard(path string) error
}

// Options controls part boundaries.
type Options struct {
	MaxPartSize      int64
	MaxPlaintextSize int64
	ChunkSize        int
}

// Part is a staged, encrypted slice of a content stream.
type Part struct {
	Index int
	Path  string // staged file
	Size  int64  // ciphertext size
}

// SecretFunc returns the secret for the part with the given index.
type SecretFunc func(index int) (encryption.Secret, error)

// Stage reads src and writes it into encrypted parts holding at most
// MaxPartSize plaintext bytes each. Every part except the last is full. An
// empty source produces exactly one empty part. On failure all staged files
// are discarded and no parts are returned.
func Stage(ctx context.Context, src io.Reader, opts Options, secretFor SecretFunc, staging Staging, onStaged func(Part)) (parts []Part, err error) {
	if opts.MaxPartSize <= 0 {
		return nil, fmt.Errorf("invalid maximum part size: %d", opts.MaxPartSize)
	}
	if opts.MaxPlaintextSize > 0 && opts.MaxPartSize > opts.MaxPlaintextSize {
		return nil, fmt.Errorf("maximum part size %d exceeds maximum plaintext size %d", opts.MaxPartSize, opts.MaxPlaintextSize)
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var staged []string
	var current *partWriter
	defer func() {
		if err == nil {
			return
		}
		if current != nil {
			current.abort()
		}
		for _, path := range staged {
			_ = staging.Discard(path)
		}
		parts = nil
	}()

	next := func() error {
		if current != nil {
			part, err := current.finish()
			current = nil
			if err != nil {
				return err
			}
			parts = append(parts, part)
			if onStaged != nil {
				onStaged(part)
			}
		}

		index := len(parts)
		secret, err := secretFor(index)
		if err != nil {
			return fmt.Errorf("deriving secret for part %d: %w", index, err)
		}
		path, err := staging.Temporary()
		if err != nil {
			return fmt.Errorf("creating staging file for part %d: %w", index, err)
		}
		staged = append(staged, path)

		current, err = newPartWriter(index, path, secret, opts.MaxPartSize)
		return err
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, readErr := src.Read(buf)
		data := buf[:n]
		for len(data) > 0 {
			if current == nil || current.full() {
				if err := next(); err != nil {
					return nil, err
				}
			}
			take := min(int64(len(data)), current.remaining())
			if err := current.write(data[:take]); err != nil {
				return nil, err
			}
			data = data[take:]
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}

	if current == nil {
		if err := next(); err != nil {
			return nil, err
		}
	}

	part, err := current.finish()
	current = nil
	if err != nil {
		return nil, err
	}
	parts = append(parts, part)
	if onStaged != nil {
		onStaged(part)
	}

	return parts, nil
}

type partWriter struct {
	index   int
	path    string
	file    *os.File
	cipher  *encryption.EncryptingWriter
	max     int64
	written int64
}

func newPartWriter(index int, path string, secret encryption.Secret, max int64) (*partWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening staging file for part %d: %w", index, err)
	}
	w, err := encryption.NewEncryptingWriter(f, secret, max)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating cipher for part %d: %w", index, err)
	}
	return &partWriter{index: index, path: path, file: f, cipher: w, max: max}, nil
}

func (p *partWriter) full() bool       { return p.written >= p.max }
func (p *partWriter) remaining() int64 { return p.max - p.written }

func (p *partWriter) write(data []byte) error {
	n, err := p.cipher.Write(data)
	p.written += int64(n)
	if err != nil {
		return fmt.Errorf("writing part %d: %w", p.index, err)
	}
	return nil
}

func (p *partWriter) finish() (Part, error) {
	if err := p.cipher.Close(); err != nil {
		p.file.Close()
		return Part{}, fmt.Errorf("finalizing part %d: %w", p.index, err)
	}
	if err := p.file.Close(); err != nil {
		return Part{}, fmt.Errorf("closing part %d: %w", p.index, err)
	}
	return Part{Index: p.index, Path: p.path, Size: encryption.CiphertextSize(p.written)}, nil
}

func (p *partWriter) abort() {
	p.file.Close()
}

// Source is a stored part that can be opened for reading its plaintext.
type Source struct {
	Index int
	Path  string
	Open  func() (io.ReadCloser, error)
}

// Merge concatenates parts in index order. A part is opened only after the
// previous one has been fully read.
func Merge(parts []Source) (io.ReadCloser, error) {
	if len(parts) == 0 {
		return nil, ErrNoParts
	}
	sorted := slices.Clone(parts)
	slices.SortFunc(sorted, func(a, b Source) int { return a.Index - b.Index })
	return &merged{remaining: sorted}, nil
}

type merged struct {
	remaining []Source
	current   io.ReadCloser
	closed    bool
}

func (m *merged) Read(p []byte) (int, error) {
	for {
		if m.closed {
			return 0, os.ErrClosed
		}
		if m.current == nil {
			if len(m.remaining) == 0 {
				return 0, io.EOF
			}
			next := m.remaining[0]
			m.remaining = m.remaining[1:]
			r, err := next.Open()
			if err != nil {
				return 0, fmt.Errorf("opening part %d: %w", next.Index, err)
			}
			m.current = r
		}

		n, err := m.current.Read(p)
		if err == io.EOF {
			closeErr := m.current.Close()
			m.current = nil
			if closeErr != nil {
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (m *merged) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.current != nil {
		return m.current.Close()
	}
	return nil
}

// PartPath names a part of an entity as it is referenced in metadata.
func PartPath(entityPath string, index int) string {
	return entityPath + partSeparator + strconv.Itoa(index)
}

// ParsePartPath splits a part path into the entity path and part index.
func ParsePartPath(partPath string) (string, int, error) {
	i := strings.LastIndex(partPath, partSeparator)
	if i < 0 {
		return "", 0, fmt.Errorf("invalid part path: %q", partPath)
	}
	index, err := strconv.Atoi(partPath[i+len(partSeparator):])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("invalid part index in %q", partPath)
	}
	return partPath[:i], index, nil
}
