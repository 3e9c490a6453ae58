package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrCorrupted is returned when a stored record fails its checksum
var ErrCorrupted = errors.New("corrupted log record")

// Compression identifies how a record payload is stored. The values are
// persisted in every record header.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses the configured compression name
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// Record layout:
//
//	[0]      compression
//	[1:9]    xxhash64 of the stored payload, little endian
//	[9:13]   uncompressed payload length, little endian
//	[13:]    stored payload
const headerSize = 13

type codec struct {
	compression Compression
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

func newCodec(compression Compression) (*codec, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &codec{compression: compression, encoder: encoder, decoder: decoder}, nil
}

func (c *codec) close() {
	c.encoder.Close()
	c.decoder.Close()
}

// encode compresses raw, falling back to storing it as is when compression
// does not help
func (c *codec) encode(raw []byte) ([]byte, error) {
	compression := c.compression
	var stored []byte

	switch compression {
	case CompressionZstd:
		stored = c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to lz4 compress record: %w", err)
		}
		stored = buf[:n]
	}
	if compression == CompressionNone || len(stored) == 0 || len(stored) >= len(raw) {
		compression = CompressionNone
		stored = raw
	}

	record := make([]byte, headerSize+len(stored))
	record[0] = byte(compression)
	binary.LittleEndian.PutUint64(record[1:9], xxhash.Sum64(stored))
	binary.LittleEndian.PutUint32(record[9:13], uint32(len(raw)))
	copy(record[headerSize:], stored)
	return record, nil
}

func (c *codec) decode(record []byte) ([]byte, error) {
	if len(record) < headerSize {
		return nil, fmt.Errorf("%w: record of %d bytes", ErrCorrupted, len(record))
	}
	stored := record[headerSize:]
	if binary.LittleEndian.Uint64(record[1:9]) != xxhash.Sum64(stored) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}
	size := int(binary.LittleEndian.Uint32(record[9:13]))

	switch Compression(record[0]) {
	case CompressionNone:
		out := make([]byte, len(stored))
		copy(out, stored)
		return out, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("failed to lz4 decompress record: %w", err)
		}
		return out[:n], nil
	case CompressionZstd:
		out, err := c.decoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("failed to zstd decompress record: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupted, record[0])
	}
}
