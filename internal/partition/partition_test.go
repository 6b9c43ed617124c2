package partition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sndnv/stasis-sub004/internal/compression"
	"github.com/sndnv/stasis-sub004/internal/encryption"
)

type countingStaging struct {
	mu        sync.Mutex
	dir       string
	created   []string
	discarded []string
}

func newCountingStaging(t *testing.T) *countingStaging {
	return &countingStaging{dir: t.TempDir()}
}

func (s *countingStaging) Temporary() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.CreateTemp(s.dir, "part-*")
	if err != nil {
		return "", err
	}
	f.Close()
	s.created = append(s.created, f.Name())
	return f.Name(), nil
}

func (s *countingStaging) Discard(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = append(s.discarded, path)
	return os.Remove(path)
}

var testDevice = encryption.DeviceSecret{Secret: bytes.Repeat([]byte{3}, 64), KeySize: 16}

func secretFor(index int) (encryption.Secret, error) {
	return testDevice.FileSecret("/data/file", big.NewInt(1), nil, index)
}

func sources(parts []Part, max int64) []Source {
	result := make([]Source, 0, len(parts))
	for _, p := range parts {
		result = append(result, Source{
			Index: p.Index,
			Path:  p.Path,
			Open: func() (io.ReadCloser, error) {
				f, err := os.Open(p.Path)
				if err != nil {
					return nil, err
				}
				secret, err := secretFor(p.Index)
				if err != nil {
					return nil, err
				}
				r, err := encryption.NewDecryptingReader(f, secret, max)
				if err != nil {
					return nil, err
				}
				return readCloser{Reader: r, Closer: f}, nil
			},
		})
	}
	return result
}

type readCloser struct {
	io.Reader
	io.Closer
}

func TestStage_PartCount(t *testing.T) {
	const max = 10

	tests := []struct {
		size      int
		wantParts int
	}{
		{0, 1},
		{1, 1},
		{9, 1},
		{10, 1},
		{11, 2},
		{20, 2},
		{21, 3},
		{95, 10},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("size=%d", tt.size), func(t *testing.T) {
			staging := newCountingStaging(t)
			content := bytes.Repeat([]byte("x"), tt.size)

			var notified []int
			parts, err := Stage(context.Background(), bytes.NewReader(content),
				Options{MaxPartSize: max, ChunkSize: 4}, secretFor, staging,
				func(p Part) { notified = append(notified, p.Index) })
			if err != nil {
				t.Fatalf("Stage() error = %v", err)
			}
			if len(parts) != tt.wantParts {
				t.Fatalf("Stage() = %d parts, want %d", len(parts), tt.wantParts)
			}
			if len(notified) != tt.wantParts {
				t.Errorf("notifications = %d, want %d", len(notified), tt.wantParts)
			}

			for i, p := range parts {
				if p.Index != i {
					t.Errorf("parts[%d].Index = %d", i, p.Index)
				}
				info, err := os.Stat(p.Path)
				if err != nil {
					t.Fatalf("Stat() error = %v", err)
				}
				if info.Size() != p.Size {
					t.Errorf("parts[%d] size = %d, recorded %d", i, info.Size(), p.Size)
				}
				if i < len(parts)-1 && p.Size != encryption.CiphertextSize(max) {
					t.Errorf("parts[%d] is not full: %d bytes", i, p.Size)
				}
			}

			if len(staging.discarded) != 0 {
				t.Errorf("discarded = %d files, want 0", len(staging.discarded))
			}
		})
	}
}

func TestStage_MergeRoundTrip(t *testing.T) {
	const max = 1000
	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 500)

	for _, c := range []compression.Compressor{compression.Deflate{}, compression.Gzip{}, compression.Zstd{}, compression.Identity{}} {
		t.Run(c.Name(), func(t *testing.T) {
			staging := newCountingStaging(t)

			compressed := compression.NewReader(bytes.NewReader(content), c)
			defer compressed.Close()

			parts, err := Stage(context.Background(), compressed, Options{MaxPartSize: max}, secretFor, staging, nil)
			if err != nil {
				t.Fatalf("Stage() error = %v", err)
			}

			// merge must not depend on the order parts are listed in
			reversed := sources(parts, max)
			for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
				reversed[i], reversed[j] = reversed[j], reversed[i]
			}

			merged, err := Merge(reversed)
			if err != nil {
				t.Fatalf("Merge() error = %v", err)
			}
			defer merged.Close()

			decompressed, err := c.Decompress(merged)
			if err != nil {
				t.Fatalf("Decompress() error = %v", err)
			}
			got, err := io.ReadAll(decompressed)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("round trip = %d bytes, want %d", len(got), len(content))
			}
		})
	}
}

func TestStage_EmptySource(t *testing.T) {
	staging := newCountingStaging(t)

	parts, err := Stage(context.Background(), bytes.NewReader(nil), Options{MaxPartSize: 16}, secretFor, staging, nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("Stage() = %d parts, want exactly 1", len(parts))
	}

	merged, err := Merge(sources(parts, 16))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	got, err := io.ReadAll(merged)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("merged = %d bytes, want 0", len(got))
	}
}

// chunkedFailingReader yields the given chunks and then fails.
type chunkedFailingReader struct {
	chunks [][]byte
	err    error
}

func (r *chunkedFailingReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestStage_FailureMidStream(t *testing.T) {
	staging := newCountingStaging(t)
	source := &chunkedFailingReader{
		chunks: [][]byte{[]byte("abc"), []byte("abc")},
		err:    errors.New("source failed after two chunks"),
	}

	parts, err := Stage(context.Background(), source, Options{MaxPartSize: 3, ChunkSize: 3}, secretFor, staging, nil)
	if err == nil || err.Error() != "source failed after two chunks" {
		t.Fatalf("Stage() error = %v, want original source error", err)
	}
	if parts != nil {
		t.Errorf("Stage() returned %d parts, want none", len(parts))
	}
	if len(staging.created) != 2 {
		t.Errorf("created = %d files, want 2", len(staging.created))
	}
	if len(staging.discarded) != 2 {
		t.Errorf("discarded = %d files, want 2", len(staging.discarded))
	}
	for _, path := range staging.created {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("staged file %s still exists", filepath.Base(path))
		}
	}
}

func TestStage_Cancelled(t *testing.T) {
	staging := newCountingStaging(t)
	ctx, cancel := context.WithCancel(context.Background())

	source := &chunkedFailingReader{chunks: [][]byte{[]byte("abcd")}, err: io.EOF}
	_, err := Stage(ctx, io.MultiReader(source, cancellingReader{cancel}), Options{MaxPartSize: 2, ChunkSize: 4}, secretFor, staging, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Stage() error = %v, want context.Canceled", err)
	}
	if len(staging.created) != len(staging.discarded) {
		t.Errorf("created %d files but discarded %d", len(staging.created), len(staging.discarded))
	}
}

// cancellingReader cancels its context on first read and reports no data.
type cancellingReader struct {
	cancel context.CancelFunc
}

func (r cancellingReader) Read([]byte) (int, error) {
	r.cancel()
	return 0, nil
}

func TestStage_InvalidOptions(t *testing.T) {
	staging := newCountingStaging(t)

	if _, err := Stage(context.Background(), bytes.NewReader(nil), Options{MaxPartSize: 0}, secretFor, staging, nil); err == nil {
		t.Error("Stage() expected error for zero part size")
	}
	if _, err := Stage(context.Background(), bytes.NewReader(nil), Options{MaxPartSize: 10, MaxPlaintextSize: 5}, secretFor, staging, nil); err == nil {
		t.Error("Stage() expected error for part size above plaintext ceiling")
	}
}

func TestMerge_Empty(t *testing.T) {
	if _, err := Merge(nil); !errors.Is(err, ErrNoParts) {
		t.Errorf("Merge() error = %v, want ErrNoParts", err)
	}
}

func TestMerge_OpensLazily(t *testing.T) {
	var opened []int
	source := func(index int, content string) Source {
		return Source{Index: index, Open: func() (io.ReadCloser, error) {
			opened = append(opened, index)
			return io.NopCloser(bytes.NewReader([]byte(content))), nil
		}}
	}

	merged, err := Merge([]Source{source(2, "c"), source(0, "a"), source(1, "b")})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(opened) != 0 {
		t.Errorf("parts opened before reading: %v", opened)
	}

	buf := make([]byte, 1)
	if _, err := merged.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(opened) != 1 || opened[0] != 0 {
		t.Errorf("opened = %v after first read, want [0]", opened)
	}

	rest, err := io.ReadAll(merged)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if got := string(buf) + string(rest); got != "abc" {
		t.Errorf("merged = %q, want %q", got, "abc")
	}
}

func TestPartPath(t *testing.T) {
	path := PartPath("/data/some__part=file", 12)
	if path != "/data/some__part=file__part=12" {
		t.Errorf("PartPath() = %q", path)
	}

	entity, index, err := ParsePartPath(path)
	if err != nil {
		t.Fatalf("ParsePartPath() error = %v", err)
	}
	if entity != "/data/some__part=file" || index != 12 {
		t.Errorf("ParsePartPath() = (%q, %d)", entity, index)
	}

	for _, invalid := range []string{"/data/file", "/data/file__part=x", "/data/file__part=-1"} {
		if _, _, err := ParsePartPath(invalid); err == nil {
			t.Errorf("ParsePartPath(%q) expected error", invalid)
		}
	}
}
