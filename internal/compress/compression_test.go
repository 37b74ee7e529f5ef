package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allCodecs = []Codec{CodecNone, CodecSnappy, CodecZlib, CodecLz4, CodecZstd}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name  string
		codec Codec
		input []byte
	}{
		{"None", CodecNone, []byte("plain rows")},
		{"Snappy", CodecSnappy, []byte("snappy block")},
		{"Zlib", CodecZlib, []byte("zlib block")},
		{"LZ4", CodecLz4, []byte("lz4 block")},
		{"Zstd", CodecZstd, []byte("zstd block")},
		{"Repetitive", CodecZstd, bytes.Repeat([]byte("key-0001"), 4096)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			compressed, err := Encode(tc.input, tc.codec)
			require.NoError(t, err)

			out, err := Decode(compressed, tc.codec)
			require.NoError(t, err)
			assert.Equal(t, tc.input, out)
		})
	}
}

func TestInvalidCodec(t *testing.T) {
	_, err := Encode([]byte("x"), Codec(42))
	assert.ErrorIs(t, err, ErrInvalidCodec)
	_, err = Decode([]byte("x"), Codec(42))
	assert.ErrorIs(t, err, ErrInvalidCodec)
	assert.False(t, Codec(42).Valid())
}

func TestDecodeGarbage(t *testing.T) {
	for _, codec := range allCodecs[1:] {
		t.Run(codec.String(), func(t *testing.T) {
			_, err := Decode([]byte("definitely not compressed"), codec)
			assert.Error(t, err)
		})
	}
}

func TestParseCodec(t *testing.T) {
	for _, codec := range allCodecs {
		text, err := codec.MarshalText()
		require.NoError(t, err)

		var parsed Codec
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, codec, parsed)
	}

	c, err := ParseCodec(" ZSTD ")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, c)

	_, err = ParseCodec("brotli")
	assert.ErrorIs(t, err, ErrInvalidCodec)
}
