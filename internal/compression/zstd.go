package compression

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressor wraps object streams in zstd frames. A disabled Compressor
// passes bytes through unchanged, so callers do not branch on the setting.
type Compressor struct {
	level   zstd.EncoderLevel
	enabled bool
}

// Extension is the file suffix for compressed objects.
func (c *Compressor) Extension() string {
	if !c.enabled {
		return ""
	}
	return ".zst"
}

func NewCompressor(level int, enabled bool) *Compressor {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 2:
		encoderLevel = zstd.SpeedDefault
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	case 4:
		encoderLevel = zstd.SpeedBestCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}
	return &Compressor{level: encoderLevel, enabled: enabled}
}

// Enabled reports whether streams are compressed.
func (c *Compressor) Enabled() bool { return c.enabled }

// Writer returns a WriteCloser that compresses into w. Close flushes the
// final frame but does not close w.
func (c *Compressor) Writer(w io.Writer) (io.WriteCloser, error) {
	if !c.enabled {
		return nopWriteCloser{w}, nil
	}
	return zstd.NewWriter(w,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
}

// Reader returns a ReadCloser that decompresses r. Close releases the
// decoder but does not close r.
func (c *Compressor) Reader(r io.Reader) (io.ReadCloser, error) {
	if !c.enabled {
		return io.NopCloser(r), nil
	}
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
