package archive

import (
	"fmt"
	"io"
	"strings"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses and decompresses archive streams.
type Codec struct {
	name  string
	level int
}

// NewCodec resolves a configured codec name. Level is codec-specific and
// ignored by "none".
func NewCodec(name string, level int) (*Codec, error) {
	switch name {
	case "zstd", "gzip", "none":
		return &Codec{name: name, level: level}, nil
	default:
		return nil, fmt.Errorf("archive: unknown codec %q", name)
	}
}

// Extension returns the artifact suffix, including the tar part.
func (c *Codec) Extension() string {
	switch c.name {
	case "zstd":
		return ".tar.zst"
	case "gzip":
		return ".tar.gz"
	default:
		return ".tar"
	}
}

// Compress wraps w. The returned closer must be closed before the
// underlying file to flush the compressor.
func (c *Codec) Compress(w io.Writer) (io.WriteCloser, error) {
	switch c.name {
	case "zstd":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
	case "gzip":
		return kgzip.NewWriterLevel(w, c.level)
	default:
		return nopWriteCloser{w}, nil
	}
}

// Decompress wraps r based on the artifact's filename suffix, so restore
// works regardless of the currently configured codec.
func Decompress(filename string, r io.Reader) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(filename, ".tar.zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("archive: zstd reader: %w", err)
		}

		return zr.IOReadCloser(), nil

	case strings.HasSuffix(filename, ".tar.gz"):
		gr, err := kgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("archive: gzip reader: %w", err)
		}

		return gr, nil

	case strings.HasSuffix(filename, ".tar"):
		return io.NopCloser(r), nil
	}

	return nil, fmt.Errorf("archive: unrecognized artifact suffix on %s", filename)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
