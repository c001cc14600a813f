// Package swap implements swap areas, swap-out/in with pluggable
// compression, and the pressure monitor of spec.md §4.3 "Swap path" /
// "Policies".
//
// Grounded on biscuit/src/fs/blk.go (positioned block reads/writes) for
// the area I/O shape, generalized to the compressed-slot layout spec.md
// §6 describes.
package swap

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"kernelcore/internal/kerr"
)

// Algorithm selects the swap compressor (spec.md §4.3 "Compression").
type Algorithm int

const (
	None Algorithm = iota
	LZ4
	ZLIB
	ZSTD
)

func (a Algorithm) String() string {
	switch a {
	case LZ4:
		return "lz4"
	case ZLIB:
		return "zlib"
	case ZSTD:
		return "zstd"
	default:
		return "none"
	}
}

// Compressor compresses/decompresses one page at a time.
type Compressor interface {
	Compress(page []byte) ([]byte, error)
	Decompress(compressed []byte, pageSize int) ([]byte, error)
}

// NewCompressor returns the Compressor for algo. compress/zlib (stdlib) is
// used for ZLIB since it already is the reference implementation;
// github.com/pierrec/lz4/v4 and github.com/klauspost/compress/zstd are the
// ecosystem choices for the other two (see DESIGN.md).
func NewCompressor(algo Algorithm) Compressor {
	switch algo {
	case LZ4:
		return lz4Compressor{}
	case ZLIB:
		return zlibCompressor{}
	case ZSTD:
		return zstdCompressor{}
	default:
		return noneCompressor{}
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(page []byte) ([]byte, error) {
	out := make([]byte, len(page))
	copy(out, page)
	return out, nil
}
func (noneCompressor) Decompress(compressed []byte, pageSize int) ([]byte, error) {
	if len(compressed) != pageSize {
		return nil, kerr.New("swap.noneCompressor.Decompress", kerr.InvalidArgument)
	}
	out := make([]byte, pageSize)
	copy(out, compressed)
	return out, nil
}

type lz4Compressor struct{}

func (lz4Compressor) Compress(page []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(page); err != nil {
		return nil, kerr.Wrap("swap.lz4.Compress", kerr.IOError, err)
	}
	if err := w.Close(); err != nil {
		return nil, kerr.Wrap("swap.lz4.Compress", kerr.IOError, err)
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(compressed []byte, pageSize int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	out := make([]byte, pageSize)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, kerr.Wrap("swap.lz4.Decompress", kerr.IOError, err)
	}
	return out[:n], nil
}

type zlibCompressor struct{}

func (zlibCompressor) Compress(page []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(page); err != nil {
		return nil, kerr.Wrap("swap.zlib.Compress", kerr.IOError, err)
	}
	if err := w.Close(); err != nil {
		return nil, kerr.Wrap("swap.zlib.Compress", kerr.IOError, err)
	}
	return buf.Bytes(), nil
}

func (zlibCompressor) Decompress(compressed []byte, pageSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, kerr.Wrap("swap.zlib.Decompress", kerr.IOError, err)
	}
	defer r.Close()
	out := make([]byte, pageSize)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, kerr.Wrap("swap.zlib.Decompress", kerr.IOError, err)
	}
	return out[:n], nil
}

type zstdCompressor struct{}

func (zstdCompressor) Compress(page []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, kerr.Wrap("swap.zstd.Compress", kerr.IOError, err)
	}
	defer enc.Close()
	return enc.EncodeAll(page, nil), nil
}

func (zstdCompressor) Decompress(compressed []byte, pageSize int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, kerr.Wrap("swap.zstd.Decompress", kerr.IOError, err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, make([]byte, 0, pageSize))
	if err != nil {
		return nil, kerr.Wrap("swap.zstd.Decompress", kerr.IOError, err)
	}
	return out, nil
}
