package payload

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/nexusbuffer/compressors"
	"github.com/INLOpen/nexusbuffer/core"
)

// ChunkCodec encodes chunks with a configurable compression scheme. The
// scheme is stamped into record metadata, so a buffer can be reopened with a
// different active scheme and still read everything written before the
// change, as long as the old scheme is still registered.
type ChunkCodec struct {
	active       compressors.Compressor
	decompressor map[uint32]compressors.Compressor
}

var _ core.Codec[*Chunk] = (*ChunkCodec)(nil)

// NewChunkCodec creates a codec compressing with active and able to
// decompress records written with active or any of accepted.
func NewChunkCodec(active compressors.Compressor, accepted ...compressors.Compressor) *ChunkCodec {
	decompressor := make(map[uint32]compressors.Compressor, len(accepted)+1)
	decompressor[uint32(active.Type())] = active
	for _, c := range accepted {
		decompressor[uint32(c.Type())] = c
	}
	return &ChunkCodec{active: active, decompressor: decompressor}
}

// NewDefaultChunkCodec creates a codec compressing with the given scheme and
// able to decompress every scheme this build supports.
func NewDefaultChunkCodec(active compressors.Type) (*ChunkCodec, error) {
	activeCompressor, err := compressors.New(active)
	if err != nil {
		return nil, err
	}
	accepted := make([]compressors.Compressor, 0, 3)
	for _, t := range []compressors.Type{compressors.TypeNone, compressors.TypeSnappy, compressors.TypeLZ4, compressors.TypeZstd} {
		if t == active {
			continue
		}
		c, err := compressors.New(t)
		if err != nil {
			return nil, err
		}
		accepted = append(accepted, c)
	}
	return NewChunkCodec(activeCompressor, accepted...), nil
}

// Metadata returns the metadata value stamped on records this codec writes.
func (cc *ChunkCodec) Metadata() uint32 {
	return uint32(cc.active.Type())
}

// CanDecode reports whether this codec can decompress records stamped with
// the given metadata.
func (cc *ChunkCodec) CanDecode(metadata uint32) bool {
	_, ok := cc.decompressor[metadata]
	return ok
}

// Encode serializes and compresses the chunk into dst.
func (cc *ChunkCodec) Encode(chunk *Chunk, dst *bytes.Buffer) error {
	var raw bytes.Buffer
	if err := chunk.encode(&raw); err != nil {
		return fmt.Errorf("failed to encode chunk: %w", err)
	}
	compressed, err := cc.active.Compress(raw.Bytes())
	if err != nil {
		return fmt.Errorf("failed to compress chunk: %w", err)
	}
	_, err = dst.Write(compressed)
	return err
}

// Decode decompresses and deserializes a chunk payload written with the
// scheme identified by metadata.
func (cc *ChunkCodec) Decode(metadata uint32, payload []byte) (*Chunk, error) {
	decompressor, ok := cc.decompressor[metadata]
	if !ok {
		return nil, &core.IncompatibleRecordError{Metadata: metadata}
	}
	raw, err := decompressor.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk: %w", err)
	}
	return decodeChunk(raw)
}
