package core

import "bytes"

// Bufferable is implemented by items that can pass through a buffer. An item
// represents one or more events; the buffer accounts for capacity and
// acknowledgements in events, not items.
type Bufferable interface {
	// EventCount returns the number of events this item represents. It must
	// be greater than zero and stable for the lifetime of the item.
	EventCount() uint64
}

// Codec encodes and decodes buffered items. Implementations stamp each
// record with a metadata value describing the encoding scheme; readers use
// it to reject records written by an incompatible version instead of
// misinterpreting their payloads.
type Codec[T Bufferable] interface {
	// Metadata returns the metadata value stamped on records this codec
	// writes.
	Metadata() uint32

	// CanDecode reports whether this codec understands payloads stamped
	// with the given metadata.
	CanDecode(metadata uint32) bool

	// Encode serializes item into dst.
	Encode(item T, dst *bytes.Buffer) error

	// Decode deserializes a payload previously written with the encoding
	// scheme identified by metadata. Callers must check CanDecode first.
	Decode(metadata uint32, payload []byte) (T, error)
}
