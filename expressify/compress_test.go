package expressify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdCompress(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"nil_input", nil},
		{"ascii_text", []byte("The quick brown fox jumps over the lazy dog")},
		{"binary_data", []byte{0x00, 0xFF, 0x10, 0x20, 0x7F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			compressed := ZstdCompress(nil, tt.input)
			out, err := ZstdDecompress(nil, compressed)
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), len(out))
			assert.True(t, bytes.Equal(tt.input, out))
		})
	}
}

func TestZstdDecompressError(t *testing.T) {
	invalid := []byte{0x42, 0x43, 0x44}
	_, err := ZstdDecompress(nil, invalid)
	require.Error(t, err)
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	input := bytes.Repeat([]byte("func F() { xxExpressifyShow(1)(f()) }\n"), 64)
	for _, codec := range []Codec{CodecNone, CodecS2, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			blob := codec.Compress(input)
			require.NotEmpty(t, blob)
			assert.Equal(t, byte(codec), blob[0])
			if codec != CodecNone {
				assert.Less(t, len(blob), len(input))
			}

			out, err := Decompress(blob)
			require.NoError(t, err)
			assert.Equal(t, input, out)
		})
	}
}

func TestDecompressErrors(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		_, err := Decompress(nil)
		require.ErrorIs(t, err, errCorruptBlob)
	})
	t.Run("unknown_codec", func(t *testing.T) {
		_, err := Decompress([]byte{0x7F, 1, 2})
		require.ErrorIs(t, err, errCorruptBlob)
	})
	t.Run("bad_s2", func(t *testing.T) {
		_, err := Decompress([]byte{byte(CodecS2), 0xFF, 0xFF, 0xFF})
		require.Error(t, err)
	})
}
