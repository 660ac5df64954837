package jffs2

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

// Compression tags stored in RawInode.Compr. The numbering follows the
// on-media jffs2 values where one exists.
const (
	ComprNone uint8 = 0x00
	ComprZero uint8 = 0x01
	ComprZlib uint8 = 0x06
	ComprLZ4  uint8 = 0x20
)

var errIncompressible = errors.New("data is incompressible")

func ComprName(tag uint8) string {
	switch tag {
	case ComprNone:
		return "none"
	case ComprZero:
		return "zero"
	case ComprZlib:
		return "zlib"
	case ComprLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%#x)", tag)
	}
}

// ParseCompression maps a configuration name onto a compression tag.
func ParseCompression(name string) (uint8, error) {
	switch name {
	case "", "none":
		return ComprNone, nil
	case "zlib":
		return ComprZlib, nil
	case "lz4":
		return ComprLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// compress returns the payload to store and the tag describing it. Data that
// does not shrink is stored as is.
func compress(tag uint8, data []byte) (uint8, []byte) {
	var out []byte
	var err error

	switch tag {
	case ComprZlib:
		out, err = compressZlib(data)
	case ComprLZ4:
		out, err = compressLZ4(data)
	default:
		return ComprNone, data
	}

	if err != nil {
		return ComprNone, data
	}
	return tag, out
}

func decompress(tag uint8, payload []byte, dsize uint32) ([]byte, error) {
	switch tag {
	case ComprNone:
		if uint32(len(payload)) != dsize {
			return nil, fmt.Errorf("uncompressed node: size %d, want %d", len(payload), dsize)
		}
		return payload, nil
	case ComprZero:
		return make([]byte, dsize), nil
	case ComprZlib:
		return decompressZlib(payload, dsize)
	case ComprLZ4:
		return decompressLZ4(payload, dsize)
	default:
		return nil, fmt.Errorf("unsupported compression %s", ComprName(tag))
	}
}

func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}

	if buf.Len() >= len(data) {
		return nil, errIncompressible
	}
	return buf.Bytes(), nil
}

func decompressZlib(payload []byte, dsize uint32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	defer r.Close()

	out := make([]byte, dsize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))

	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// Zero means lz4 found nothing to compress.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(payload []byte, dsize uint32) ([]byte, error) {
	out := make([]byte, dsize)

	n, err := lz4.UncompressBlock(payload, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if uint32(n) != dsize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", n, dsize)
	}
	return out, nil
}
