package crypto

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// CompressionKind identifies the compression algorithm applied to a chunk body.
type CompressionKind string

const (
	// CompressNone stores the body verbatim.
	CompressNone CompressionKind = "none"
	// CompressZStd uses Zstandard with a configurable level.
	CompressZStd CompressionKind = "zstd"
	// CompressLZ4 uses the LZ4 frame format with a configurable level.
	CompressLZ4 CompressionKind = "lz4"
	// CompressLZMA uses raw LZMA streams.
	CompressLZMA CompressionKind = "lzma"
)

// Compression tags a chunk with the algorithm and level used to compress it.
// The zero value is not valid; use one of the constructors.
type Compression struct {
	Kind  CompressionKind `json:"kind"`
	Level int             `json:"level,omitempty"`
}

// NoCompression returns a pass-through compression tag.
func NoCompression() Compression {
	return Compression{Kind: CompressNone}
}

// ZStdCompression returns a Zstandard compression tag with the given level.
func ZStdCompression(level int) Compression {
	return Compression{Kind: CompressZStd, Level: level}
}

// LZ4Compression returns an LZ4 compression tag with the given level.
func LZ4Compression(level int) Compression {
	return Compression{Kind: CompressLZ4, Level: level}
}

// LZMACompression returns an LZMA compression tag.
//
// The level is recorded for forward compatibility but the encoder currently
// always uses the default LZMA preset.
func LZMACompression(level int) Compression {
	return Compression{Kind: CompressLZMA, Level: level}
}

// Compress applies the tagged algorithm to data and returns the compressed
// bytes. A CompressNone tag returns a copy of the input.
func (c Compression) Compress(data []byte) ([]byte, error) {
	switch c.Kind {
	case CompressNone:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case CompressZStd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.Level)))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if err := w.Apply(lz4.CompressionLevelOption(lz4Level(c.Level))); err != nil {
			return nil, fmt.Errorf("configuring lz4 encoder: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compression: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compression: %w", err)
		}
		return buf.Bytes(), nil
	case CompressLZMA:
		var buf bytes.Buffer
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("creating lzma encoder: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lzma compression: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lzma compression: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression kind %q", c.Kind)
	}
}

// Decompress reverses Compress for the tagged algorithm.
func (c Compression) Decompress(data []byte) ([]byte, error) {
	switch c.Kind {
	case CompressNone:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case CompressZStd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompression: %w", err)
		}
		return out, nil
	case CompressLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression: %w", err)
		}
		return out, nil
	case CompressLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating lzma decoder: %w", err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lzma decompression: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression kind %q", c.Kind)
	}
}

// lz4Level maps a numeric level onto the lz4 package's level type. Level 0
// selects the fast path.
func lz4Level(level int) lz4.CompressionLevel {
	switch {
	case level <= 0:
		return lz4.Fast
	case level >= 9:
		return lz4.Level9
	default:
		return [...]lz4.CompressionLevel{
			lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
			lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8,
		}[level-1]
	}
}
