package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression types carried in the sysFlag compression bits.
const (
	CompressionLZ4 int32 = iota + 1
	CompressionZstd
	CompressionZlib
	CompressionSnappy
)

// CompressionType extracts the compression type from a sysFlag, or 0 when
// the compressed bit is unset.
func CompressionType(sysFlag int32) int32 {
	if sysFlag&FlagCompressed == 0 {
		return 0
	}
	typ := (sysFlag & compressionMask) >> compressionShift
	if typ == 0 {
		typ = CompressionZlib // legacy frames predate the type bits
	}
	return typ
}

// WithCompression returns sysFlag with the compressed bit and type bits set.
func WithCompression(sysFlag, typ int32) int32 {
	return sysFlag&^compressionMask | FlagCompressed | typ<<compressionShift
}

// ClearCompression returns sysFlag with the compressed bit and type bits
// cleared.
func ClearCompression(sysFlag int32) int32 {
	return sysFlag &^ (FlagCompressed | compressionMask)
}

var zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))

// DecompressBody reverses the compression named by sysFlag. A sysFlag
// without the compressed bit returns body unchanged.
func DecompressBody(sysFlag int32, body []byte) ([]byte, error) {
	switch CompressionType(sysFlag) {
	case 0:
		return body, nil
	case CompressionLZ4:
		zr := lz4.NewReader(bytes.NewReader(body))
		return io.ReadAll(zr)
	case CompressionZstd:
		return zstdDec.DecodeAll(body, nil)
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case CompressionSnappy:
		return snappy.Decode(nil, body)
	}
	return nil, fmt.Errorf("unknown compression type in sysFlag %#x", sysFlag)
}

// CompressBody compresses body with the given type; DecompressBody reverses
// it for a sysFlag built with WithCompression(sysFlag, typ).
func CompressBody(typ int32, body []byte) ([]byte, error) {
	switch typ {
	case CompressionLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		out := zw.EncodeAll(body, nil)
		zw.Close()
		return out, nil
	case CompressionZlib:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return snappy.Encode(nil, body), nil
	}
	return nil, fmt.Errorf("unknown compression type %d", typ)
}
