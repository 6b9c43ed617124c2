// Package compression provides the stream compressors applied to entity content.
package compression

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compressor wraps streams with a single compression algorithm.
type Compressor interface {
	Name() string
	// Compress returns a writer that compresses into w; closing it flushes
	// the compressed stream but does not close w.
	Compress(w io.Writer) (io.WriteCloser, error)
	// Decompress returns a reader producing the decompressed content of r.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

const (
	NameDeflate = "deflate"
	NameGzip    = "gzip"
	NameZstd    = "zstd"
	NameNone    = "none"
)

// FromName returns the compressor with the given name.
func FromName(name string) (Compressor, error) {
	switch name {
	case NameDeflate:
		return Deflate{}, nil
	case NameGzip:
		return Gzip{}, nil
	case NameZstd:
		return Zstd{}, nil
	case NameNone, "identity", "":
		return Identity{}, nil
	default:
		return nil, fmt.Errorf("unknown compression: %q", name)
	}
}

// Deflate uses raw DEFLATE streams.
type Deflate struct{}

func (Deflate) Name() string { return NameDeflate }

func (Deflate) Compress(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, flate.DefaultCompression)
}

func (Deflate) Decompress(r io.Reader) (io.ReadCloser, error) {
	return flate.NewReader(r), nil
}

// Gzip uses gzip framing around DEFLATE.
type Gzip struct{}

func (Gzip) Name() string { return NameGzip }

func (Gzip) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (Gzip) Decompress(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading gzip header: %w", err)
	}
	return zr, nil
}

// Zstd uses Zstandard frames.
type Zstd struct{}

func (Zstd) Name() string { return NameZstd }

func (Zstd) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (Zstd) Decompress(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return d.IOReadCloser(), nil
}

// Identity passes content through unchanged.
type Identity struct{}

func (Identity) Name() string { return NameNone }

func (Identity) Compress(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (Identity) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// Selector picks the compressor used for an entity based on its extension.
type Selector struct {
	Default            Compressor
	DisabledExtensions map[string]struct{}
}

// NewSelector creates a selector for the named default compressor. Extensions
// are matched case-insensitively with or without a leading dot.
func NewSelector(defaultName string, disabledExtensions []string) (*Selector, error) {
	def, err := FromName(defaultName)
	if err != nil {
		return nil, err
	}

	disabled := make(map[string]struct{}, len(disabledExtensions))
	for _, ext := range disabledExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			disabled[ext] = struct{}{}
		}
	}

	return &Selector{Default: def, DisabledExtensions: disabled}, nil
}

// For returns the compressor for the given entity path.
func (s *Selector) For(path string) Compressor {
	if s.Default == nil {
		return Identity{}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if _, disabled := s.DisabledExtensions[ext]; disabled && ext != "" {
		return Identity{}
	}
	return s.Default
}

// ForName returns the compressor recorded in an entity's metadata.
func (s *Selector) ForName(name string) (Compressor, error) {
	return FromName(name)
}

// NewReader returns a reader producing the compressed form of src. Closing the
// reader stops the background compression.
func NewReader(src io.Reader, c Compressor) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		w, err := c.Compress(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(w, src); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(w.Close())
	}()
	return pr
}
