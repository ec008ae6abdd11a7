package expressify

import (
	"errors"
	"strconv"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Codec selects the compression applied to cached blobs.
type Codec byte

const (
	// CodecNone stores blobs as is.
	CodecNone Codec = iota
	// CodecS2 favors speed, used for in-memory tiers.
	CodecS2
	// CodecZstd favors size, used for blobs persisted to disk.
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return codecNameNone
	case CodecS2:
		return codecNameS2
	case CodecZstd:
		return codecNameZstd
	default:
		return "codec(" + strconv.Itoa(int(c)) + ")"
	}
}

var errCorruptBlob = errors.New("corrupt cache blob")

var (
	zstdEncoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
)

func sharedZstdEncoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		var err error
		zstdEncoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression), zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic(err) // only fails on invalid options
		}
	})
	return zstdEncoder
}

func sharedZstdDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		var err error
		zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			panic(err)
		}
	})
	return zstdDecoder
}

// ZstdCompress compresses data using zstd, appending to dst.
func ZstdCompress(dst, data []byte) []byte {
	return sharedZstdEncoder().EncodeAll(data, dst)
}

// ZstdDecompress decompresses zstd data, appending to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	return sharedZstdDecoder().DecodeAll(data, dst)
}

// Compress encodes data with the codec, prefixing the codec byte so Decompress can identify it.
func (c Codec) Compress(data []byte) []byte {
	out := make([]byte, 1, len(data)/2+8)
	out[0] = byte(c)
	switch c {
	case CodecS2:
		return append(out, s2.Encode(nil, data)...)
	case CodecZstd:
		return ZstdCompress(out, data)
	default:
		return append(out, data...)
	}
}

// Decompress decodes a blob produced by any Codec.Compress.
func Decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, errCorruptBlob
	}
	switch Codec(blob[0]) {
	case CodecNone:
		return blob[1:], nil
	case CodecS2:
		return s2.Decode(nil, blob[1:])
	case CodecZstd:
		return ZstdDecompress(nil, blob[1:])
	default:
		return nil, errCorruptBlob
	}
}
