package storage

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Compression names a record payload codec.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionZstd   Compression = "zstd"
	CompressionBrotli Compression = "brotli"
)

// ParseCompression parses a case-insensitive codec name. Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(s)) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	case CompressionBrotli:
		return CompressionBrotli, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

// codec compresses single record payloads.
type codec interface {
	encode(d []byte) ([]byte, error)
	decode(d []byte) ([]byte, error)
	close()
}

func newCodec(c Compression) (codec, error) {
	switch c {
	case CompressionNone, "":
		return noneCodec{}, nil
	case CompressionZstd:
		return newZstdCodec()
	case CompressionBrotli:
		return brotliCodec{level: brotli.DefaultCompression}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

type noneCodec struct{}

func (noneCodec) encode(d []byte) ([]byte, error) { return d, nil }
func (noneCodec) decode(d []byte) ([]byte, error) { return d, nil }
func (noneCodec) close()                          {}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	// Concurrency 1 keeps per-handle encoders from spawning goroutines.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) encode(d []byte) ([]byte, error) {
	return c.enc.EncodeAll(d, nil), nil
}

func (c *zstdCodec) decode(d []byte) ([]byte, error) {
	return c.dec.DecodeAll(d, nil)
}

func (c *zstdCodec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}

type brotliCodec struct {
	level int
}

func (c brotliCodec) encode(d []byte) ([]byte, error) {
	var dst bytes.Buffer
	w := brotli.NewWriterLevel(&dst, c.level)
	_, err := w.Write(d)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return dst.Bytes(), nil
}

func (brotliCodec) decode(d []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(d)))
}

func (brotliCodec) close() {}
