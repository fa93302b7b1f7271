package compressors

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allCompressors(t *testing.T) []Compressor {
	t.Helper()
	zstdCompressor, err := NewZstdCompressor()
	require.NoError(t, err)
	return []Compressor{
		&NoCompressionCompressor{},
		&SnappyCompressor{},
		&LZ4Compressor{},
		zstdCompressor,
	}
}

func TestCompressorsRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("a highly repetitive payload that compresses well. "), 100)

	for _, c := range allCompressors(t) {
		t.Run(c.Type().String(), func(t *testing.T) {
			compressed, err := c.Compress(original)
			require.NoError(t, err)

			decompressed, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, original, decompressed)
		})
	}
}

func TestCompressorsReduceRepetitiveData(t *testing.T) {
	original := bytes.Repeat([]byte("abcdefgh"), 4096)

	for _, c := range allCompressors(t) {
		if c.Type() == TypeNone {
			continue
		}
		t.Run(c.Type().String(), func(t *testing.T) {
			compressed, err := c.Compress(original)
			require.NoError(t, err)
			assert.Less(t, len(compressed), len(original))
		})
	}
}

func TestNewByType(t *testing.T) {
	for _, typ := range []Type{TypeNone, TypeSnappy, TypeLZ4, TypeZstd} {
		c, err := New(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, c.Type())
	}

	_, err := New(Type(200))
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	cases := map[string]Type{
		"":       TypeNone,
		"none":   TypeNone,
		"snappy": TypeSnappy,
		"lz4":    TypeLZ4,
		"zstd":   TypeZstd,
	}
	for name, want := range cases {
		got, err := ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseType("gzip")
	assert.Error(t, err)
}
