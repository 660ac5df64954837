package jffs2

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("the quick brown fox "), 200)

	random := make([]byte, PageSize)
	_, err := rand.Read(random)
	require.NoError(t, err)

	tests := []struct {
		name    string
		tag     uint8
		data    []byte
		wantTag uint8
	}{
		{name: "NoneKeepsData", tag: ComprNone, data: text, wantTag: ComprNone},
		{name: "ZlibShrinksText", tag: ComprZlib, data: text, wantTag: ComprZlib},
		{name: "LZ4ShrinksText", tag: ComprLZ4, data: text, wantTag: ComprLZ4},
		{name: "ZlibFallsBackOnRandom", tag: ComprZlib, data: random, wantTag: ComprNone},
		{name: "LZ4FallsBackOnRandom", tag: ComprLZ4, data: random, wantTag: ComprNone},
		{name: "UnknownTagStoresRaw", tag: 0x7f, data: text, wantTag: ComprNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, payload := compress(tt.tag, tt.data)
			assert.Equal(t, tt.wantTag, tag)
			if tag != ComprNone {
				assert.Less(t, len(payload), len(tt.data))
			}

			out, err := decompress(tag, payload, uint32(len(tt.data)))
			require.NoError(t, err)
			assert.Equal(t, tt.data, out)
		})
	}
}

func TestDecompressErrors(t *testing.T) {
	t.Run("ZeroNodeYieldsZeros", func(t *testing.T) {
		out, err := decompress(ComprZero, nil, 16)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 16), out)
	})

	t.Run("UncompressedSizeMismatch", func(t *testing.T) {
		_, err := decompress(ComprNone, []byte("abc"), 4)
		assert.Error(t, err)
	})

	t.Run("CorruptZlib", func(t *testing.T) {
		_, err := decompress(ComprZlib, []byte("not zlib"), 8)
		assert.Error(t, err)
	})

	t.Run("ShortLZ4", func(t *testing.T) {
		_, payload := compress(ComprLZ4, bytes.Repeat([]byte("ab"), 512))
		_, err := decompress(ComprLZ4, payload, 2048)
		assert.Error(t, err)
	})

	t.Run("UnknownTag", func(t *testing.T) {
		_, err := decompress(0x7f, nil, 0)
		assert.Error(t, err)
	})
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]uint8{"": ComprNone, "none": ComprNone, "zlib": ComprZlib, "lz4": ComprLZ4} {
		got, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
		if name != "" {
			assert.Equal(t, name, ComprName(got))
		}
	}

	_, err := ParseCompression("rtime")
	assert.Error(t, err)
}
