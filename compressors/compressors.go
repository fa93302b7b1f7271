// Package compressors provides the payload compression schemes supported by
// the buffer. The compression scheme of a record is stamped into its codec
// metadata, so payloads written with one scheme are always decompressed with
// the same scheme on read.
package compressors

import "fmt"

// Type identifies a compression scheme. The value is stable across releases
// because it is persisted in record metadata.
type Type uint8

const (
	TypeNone Type = iota
	TypeSnappy
	TypeLZ4
	TypeZstd
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeSnappy:
		return "snappy"
	case TypeLZ4:
		return "lz4"
	case TypeZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseType parses a compression scheme name as it appears in
// configuration.
func ParseType(name string) (Type, error) {
	switch name {
	case "", "none":
		return TypeNone, nil
	case "snappy":
		return TypeSnappy, nil
	case "lz4":
		return TypeLZ4, nil
	case "zstd":
		return TypeZstd, nil
	default:
		return TypeNone, fmt.Errorf("unknown compression type %q", name)
	}
}

// Compressor compresses and decompresses record payloads.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() Type
}

// New returns the Compressor for the given scheme.
func New(t Type) (Compressor, error) {
	switch t {
	case TypeNone:
		return &NoCompressionCompressor{}, nil
	case TypeSnappy:
		return &SnappyCompressor{}, nil
	case TypeLZ4:
		return &LZ4Compressor{}, nil
	case TypeZstd:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown compression type %q", t)
	}
}
