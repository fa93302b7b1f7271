// Package payload provides Chunk, the default item type flowing through the
// buffer, and its codec.
package payload

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusbuffer/core"
)

// Chunk is a batch of opaque events buffered as a single record. The record
// spans one ID per event, so acknowledgement tracking stays accurate even
// when the events inside are delivered at different times.
type Chunk struct {
	Events [][]byte
}

var _ core.Bufferable = (*Chunk)(nil)

// EventCount returns the number of events in the chunk.
func (c *Chunk) EventCount() uint64 {
	return uint64(len(c.Events))
}

// encode serializes the chunk: a uvarint event count followed by a uvarint
// length and raw bytes per event.
func (c *Chunk) encode(dst *bytes.Buffer) error {
	var scratch [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(scratch[:], uint64(len(c.Events)))
	if _, err := dst.Write(scratch[:n]); err != nil {
		return err
	}
	for _, event := range c.Events {
		n := binary.PutUvarint(scratch[:], uint64(len(event)))
		if _, err := dst.Write(scratch[:n]); err != nil {
			return err
		}
		if _, err := dst.Write(event); err != nil {
			return err
		}
	}
	return nil
}

func decodeChunk(buf []byte) (*Chunk, error) {
	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("invalid chunk event count")
	}
	buf = buf[n:]

	// Cap the initial allocation: a hostile count cannot force a huge
	// allocation before the events are actually present.
	capHint := count
	if capHint > 1024 {
		capHint = 1024
	}
	events := make([][]byte, 0, capHint)
	for i := uint64(0); i < count; i++ {
		eventLen, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, fmt.Errorf("invalid length for event %d", i)
		}
		buf = buf[n:]
		if uint64(len(buf)) < eventLen {
			return nil, fmt.Errorf("event %d is truncated: need %d bytes, have %d", i, eventLen, len(buf))
		}
		events = append(events, append([]byte(nil), buf[:eventLen]...))
		buf = buf[eventLen:]
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("chunk has %d trailing bytes", len(buf))
	}
	return &Chunk{Events: events}, nil
}
