package tensor

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the payload compression algorithm.
type Codec uint8

const (
	CodecNone Codec = 0
	// CodecLZ4 is fast block compression.
	CodecLZ4 Codec = 1
	// CodecZstd trades speed for a better ratio.
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec accepts the names returned by Codec.String.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "none", "":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("tensor: unknown codec %q", s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

// lz4MaxRatio bounds the expansion of one LZ4 block: a match length grows by
// at most 255 bytes per encoded byte.
const lz4MaxRatio = 255

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(4*maxElements),
	)
}

// compress returns the encoded payload and the codec actually used. It falls
// back to CodecNone when compression does not shrink the data.
func compress(raw []byte, codec Codec) ([]byte, Codec, error) {
	var out []byte
	switch codec {
	case CodecNone:
		return raw, CodecNone, nil
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, 0, err
		}
		out = buf[:n]
	case CodecZstd:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, 0, err
		}
		out = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, 0, fmt.Errorf("%w: unknown codec %d", ErrFormat, codec)
	}
	if len(out) == 0 || len(out) >= len(raw) {
		return raw, CodecNone, nil
	}
	return out, codec, nil
}

func decompress(payload []byte, codec Codec, rawLen int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(payload) != rawLen {
			return nil, fmt.Errorf("%w: payload %d bytes, want %d", ErrFormat, len(payload), rawLen)
		}
		return payload, nil
	case CodecLZ4:
		if rawLen > lz4MaxRatio*(len(payload)+1) {
			return nil, fmt.Errorf("%w: lz4 payload of %d bytes cannot expand to %d", ErrFormat, len(payload), rawLen)
		}
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", ErrFormat, err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, want %d", ErrFormat, n, rawLen)
		}
		return raw, nil
	case CodecZstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		if err := dec.Reset(bytes.NewReader(payload)); err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", ErrFormat, err)
		}
		// The output grows with the bytes actually decoded, never with a
		// size declared in a header.
		raw, err := io.ReadAll(io.LimitReader(dec, int64(rawLen)+1))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", ErrFormat, err)
		}
		if len(raw) != rawLen {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, want %d", ErrFormat, len(raw), rawLen)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrFormat, codec)
	}
}
