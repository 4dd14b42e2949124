package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/shuakami/proxy"
)

const (
	// CompressionThreshold is the minimum encoded size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxDecodedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecodedSize = 64 * 1024 * 1024
)

// zstdMagic is the frame header of a zstd stream. Plain entries are JSON and
// always start with '{', so the two forms cannot be confused.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ErrDecompressionBomb is returned when a stored payload inflates past MaxDecodedSize.
var ErrDecompressionBomb = errors.New("decompressed entry exceeds maximum size")

// ErrEntryTooLarge is returned by Encode when the serialized entry would not
// decode within MaxDecodedSize.
var ErrEntryTooLarge = errors.New("encoded entry exceeds maximum size")

// Codec serializes entries as JSON, compressing large payloads with zstd.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a new codec with a shared zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

// Encode serializes the entry. A zero digest is filled in from the body;
// a non-zero one must match it or the entry will fail to decode.
func (c *Codec) Encode(e *Entry) ([]byte, error) {
	stored := *e
	if stored.Digest.IsZero() {
		stored.Digest = proxy.HashBytes(e.Body)
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("marshaling entry: %w", err)
	}
	if len(data) > MaxDecodedSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrEntryTooLarge, len(data), MaxDecodedSize)
	}

	if len(data) < CompressionThreshold {
		return data, nil
	}

	compressed := c.encoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, nil
	}
	return compressed, nil
}

// Decode parses an encoded entry and verifies its digest.
func (c *Codec) Decode(data []byte) (*Entry, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return nil, ErrDecompressionBomb
			}
			return nil, fmt.Errorf("decompressing entry: %w", err)
		}
		data = plain
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshaling entry: %w", err)
	}
	if err := e.Verify(); err != nil {
		return nil, err
	}
	return &e, nil
}
