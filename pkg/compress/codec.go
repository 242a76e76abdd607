// Lossless byte codec used by the compressing cache. Every compressed payload is
// framed with an xxhash64 checksum of the plaintext so a corrupted or truncated
// buffer is detected on decompression instead of being returned as garbage text.
//
// Frame layout: [8-byte little-endian xxhash64 of plaintext][gzip stream].

package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
)

// ErrChecksum is returned by Decompress when the decompressed bytes do not match the
// checksum recorded at compression time.
var ErrChecksum = errors.New("compress: payload checksum mismatch")

const checksumSize = 8

// Codec compresses and decompresses byte buffers. Compress and Decompress must be
// lossless inverses of each other.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// GzipCodec is the default Codec, backed by klauspost's gzip implementation.
type GzipCodec struct { // Implements Codec.
	level int
}

var _ Codec = (*GzipCodec)(nil)

// NewGzipCodec returns a codec using the default gzip compression level.
func NewGzipCodec() *GzipCodec {
	return &GzipCodec{level: gzip.DefaultCompression}
}

// Compress returns the checksum-framed gzip form of data.
func (g *GzipCodec) Compress(data []byte) ([]byte, error) {
	var framed bytes.Buffer
	var header [checksumSize]byte
	binary.LittleEndian.PutUint64(header[:], xxhash.Sum64(data))
	framed.Write(header[:])

	zw, err := gzip.NewWriterLevel(&framed, g.level)
	if err != nil {
		return nil, fmt.Errorf("failed to init gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush gzip stream: %w", err)
	}
	return framed.Bytes(), nil
}

// Decompress inverts Compress and verifies the embedded checksum.
func (g *GzipCodec) Decompress(data []byte) ([]byte, error) {
	if len(data) < checksumSize {
		return nil, fmt.Errorf("compressed payload too short: %d bytes", len(data))
	}
	wantChecksum := binary.LittleEndian.Uint64(data[:checksumSize])

	zr, err := gzip.NewReader(bytes.NewReader(data[checksumSize:]))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip stream: %w", err)
	}

	if xxhash.Sum64(plain) != wantChecksum {
		return nil, ErrChecksum
	}
	return plain, nil
}
