package compression

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCompressors_RoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"empty":      {},
		"short":      []byte("hello"),
		"repetitive": bytes.Repeat([]byte("abcabcabc"), 10_000),
	}

	for _, c := range []Compressor{Deflate{}, Gzip{}, Zstd{}, Identity{}} {
		for name, input := range inputs {
			t.Run(c.Name()+"/"+name, func(t *testing.T) {
				var compressed bytes.Buffer
				w, err := c.Compress(&compressed)
				if err != nil {
					t.Fatalf("Compress() error = %v", err)
				}
				if _, err := w.Write(input); err != nil {
					t.Fatalf("Write() error = %v", err)
				}
				if err := w.Close(); err != nil {
					t.Fatalf("Close() error = %v", err)
				}

				r, err := c.Decompress(&compressed)
				if err != nil {
					t.Fatalf("Decompress() error = %v", err)
				}
				defer r.Close()

				got, err := io.ReadAll(r)
				if err != nil {
					t.Fatalf("ReadAll() error = %v", err)
				}
				if !bytes.Equal(got, input) {
					t.Errorf("round trip = %d bytes, want %d", len(got), len(input))
				}
			})
		}
	}
}

func TestFromName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"deflate", NameDeflate, false},
		{"gzip", NameGzip, false},
		{"zstd", NameZstd, false},
		{"none", NameNone, false},
		{"", NameNone, false},
		{"lz4", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.Name() != tt.want {
				t.Errorf("FromName() = %q, want %q", got.Name(), tt.want)
			}
		})
	}
}

func TestSelector_For(t *testing.T) {
	s, err := NewSelector("gzip", []string{".zip", "JPG", " mp4 "})
	if err != nil {
		t.Fatalf("NewSelector() error = %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/data/report.txt", NameGzip},
		{"/data/archive.zip", NameNone},
		{"/data/photo.jpg", NameNone},
		{"/data/movie.MP4", NameNone},
		{"/data/Makefile", NameGzip},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := s.For(tt.path).Name(); got != tt.want {
				t.Errorf("For(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestGzip_DecompressInvalid(t *testing.T) {
	if _, err := (Gzip{}).Decompress(strings.NewReader("not gzip")); err == nil {
		t.Error("Decompress() expected error")
	}
}

func TestNewReader(t *testing.T) {
	input := bytes.Repeat([]byte("stasis"), 5_000)

	for _, c := range []Compressor{Deflate{}, Gzip{}, Zstd{}, Identity{}} {
		t.Run(c.Name(), func(t *testing.T) {
			compressed := NewReader(bytes.NewReader(input), c)
			defer compressed.Close()

			r, err := c.Decompress(compressed)
			if err != nil {
				t.Fatalf("Decompress() error = %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if !bytes.Equal(got, input) {
				t.Errorf("NewReader() round trip = %d bytes, want %d", len(got), len(input))
			}
		})
	}
}

func TestNewReader_SourceError(t *testing.T) {
	r := NewReader(&failingReader{}, Gzip{})
	defer r.Close()

	if _, err := io.ReadAll(r); err == nil || !strings.Contains(err.Error(), "source failed") {
		t.Errorf("ReadAll() error = %v, want source failure", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("source failed")
}
