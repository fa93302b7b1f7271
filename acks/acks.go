// Package acks tracks ordered acknowledgements for buffered records.
//
// A record may represent multiple events, and those events may be
// acknowledged at different times and out of order relative to how they were
// read. A record can only be considered fully processed, and thus safe to
// reclaim, once every event it carries has been accounted for. The tracker
// also has to account for records that could never be processed at all,
// whether from on-disk corruption or an encoding scheme that is no longer
// supported, so that reclamation and loss accounting stay correct.
package acks

import (
	"errors"
	"math"
)

// ErrMonotonicityViolation is returned by AddMarker when the given marker ID
// is behind the next expected marker ID. Marker IDs must be monotonic, so
// this represents unrecoverable acknowledgement state.
var ErrMonotonicityViolation = errors.New("marker ID is behind the next expected marker ID")

type markerLen uint8

const (
	lenKnown markerLen = iota
	lenAssumed
	lenUnknown
)

type pendingMarker[D any] struct {
	id      uint64
	lenKind markerLen
	length  uint64
	data    D
	hasData bool
}

// EligibleMarker is a marker that has been fully acknowledged, or a synthetic
// gap marker covering a range of IDs no real marker accounted for.
type EligibleMarker[D any] struct {
	ID  uint64
	Len uint64

	// Assumed indicates the length was calculated rather than declared:
	// either a synthetic gap marker, or an unsized marker whose length was
	// derived from the marker that followed it.
	Assumed bool

	Data    D
	HasData bool
}

// OrderedAcknowledgements tracks markers over a contiguous, monotonic range
// of IDs and determines when each marker has collected enough
// acknowledgements to become eligible.
//
// Markers are added with the ID of the first event they cover and, normally,
// a length in events. A marker added without a length, such as for a record
// that could not be decoded, stays pending until the next marker is added
// and its assumed length can be derived from the ID difference. When a
// marker is added whose ID is ahead of the next expected ID, a synthetic gap
// marker is inserted to keep the range contiguous; gap markers carry no data
// and consume no acknowledgements.
//
// IDs wrap around at the top of the uint64 range, so all arithmetic here is
// wrapping.
type OrderedAcknowledgements[D any] struct {
	unclaimedAcks  uint64
	ackedMarkerID  uint64
	pendingMarkers []pendingMarker[D]
}

// New creates a tracker whose acknowledged frontier starts at ackedMarkerID.
func New[D any](ackedMarkerID uint64) *OrderedAcknowledgements[D] {
	return &OrderedAcknowledgements[D]{ackedMarkerID: ackedMarkerID}
}

// AddAcknowledgements adds acknowledged events. Acknowledgements must be
// recorded before querying for eligible markers.
func (o *OrderedAcknowledgements[D]) AddAcknowledgements(amount uint64) {
	if amount > math.MaxUint64-o.unclaimedAcks {
		panic("overflowing unclaimed acknowledgements; this is a serious bug")
	}
	o.unclaimedAcks += amount
}

type markerOffset uint8

const (
	offsetAligned markerOffset = iota
	offsetGap
	offsetNotEnoughInformation
	offsetMonotonicityViolation
)

// markerIDOffset compares id against the next expected marker ID. For
// offsetGap it also returns the expected ID and the size of the gap; for
// offsetNotEnoughInformation, the ID of the last pending marker.
func (o *OrderedAcknowledgements[D]) markerIDOffset(id uint64) (markerOffset, uint64, uint64) {
	if len(o.pendingMarkers) == 0 {
		// With no pending markers the acknowledged frontier is the next
		// expected ID. IDs wrap around, so a mismatch is always treated as
		// the new ID being ahead; it is up to the caller to decide what a
		// large gap actually means.
		if o.ackedMarkerID != id {
			return offsetGap, o.ackedMarkerID, id - o.ackedMarkerID
		}
		return offsetAligned, 0, 0
	}

	back := &o.pendingMarkers[len(o.pendingMarkers)-1]
	switch back.lenKind {
	case lenKnown:
		expectedNext := back.id + back.length
		if id != expectedNext {
			if expectedNext < back.id && id < expectedNext {
				return offsetMonotonicityViolation, 0, 0
			}
			return offsetGap, expectedNext, id - expectedNext
		}
		return offsetAligned, 0, 0
	default:
		// Without a fixed-size marker at the back, there is no way to tell
		// whether this ID is aligned.
		return offsetNotEnoughInformation, back.id, 0
	}
}

// AddMarker adds a marker covering length events starting at id.
//
// If id is ahead of the next expected marker ID, a synthetic gap marker is
// inserted first to keep the tracked range contiguous. If id is behind it,
// ErrMonotonicityViolation is returned.
func (o *OrderedAcknowledgements[D]) AddMarker(id, length uint64, data D) error {
	return o.addMarker(pendingMarker[D]{id: id, lenKind: lenKnown, length: length, data: data, hasData: true})
}

// AddUnsizedMarker adds a marker whose length is unknown, typically for a
// record that could not be decoded. The marker stays pending until the next
// marker is added, at which point its length is assumed from the difference
// between the two IDs.
func (o *OrderedAcknowledgements[D]) AddUnsizedMarker(id uint64, data D) error {
	return o.addMarker(pendingMarker[D]{id: id, lenKind: lenUnknown, data: data, hasData: true})
}

func (o *OrderedAcknowledgements[D]) addMarker(marker pendingMarker[D]) error {
	switch offset, expectedID, amount := o.markerIDOffset(marker.id); offset {
	case offsetGap:
		// The new marker lands past where the last one ends, so inject a
		// synthetic gap marker to compensate.
		o.pendingMarkers = append(o.pendingMarkers, pendingMarker[D]{
			id:      expectedID,
			lenKind: lenAssumed,
			length:  amount,
		})
	case offsetNotEnoughInformation:
		// The last pending marker had an unknown length; the new marker's ID
		// tells us where it must have ended.
		back := &o.pendingMarkers[len(o.pendingMarkers)-1]
		back.lenKind = lenAssumed
		back.length = marker.id - expectedID
	case offsetMonotonicityViolation:
		return ErrMonotonicityViolation
	case offsetAligned:
	}

	o.pendingMarkers = append(o.pendingMarkers, marker)
	return nil
}

// NextEligibleMarker returns the next marker that has been fully
// acknowledged, if any.
//
// A fixed-size marker becomes eligible when the acknowledged frontier
// reaches its ID plus its length and enough unclaimed acknowledgements exist
// to cover it. An assumed-length marker is eligible immediately, since the
// events it covers were never handed out and will never be acknowledged. An
// unsized marker is never eligible until a following marker resolves its
// length.
func (o *OrderedAcknowledgements[D]) NextEligibleMarker() (EligibleMarker[D], bool) {
	if len(o.pendingMarkers) == 0 {
		return EligibleMarker[D]{}, false
	}

	front := &o.pendingMarkers[0]
	var acksToClaim uint64
	switch front.lenKind {
	case lenKnown:
		// Checking unclaimed acknowledgements against the length guards
		// against ID wraparound lining up the required and effective
		// frontiers without enough acknowledgements actually existing.
		requiredAckedMarkerID := front.id + front.length
		effectiveAckedMarkerID := o.ackedMarkerID + o.unclaimedAcks
		if requiredAckedMarkerID > effectiveAckedMarkerID || o.unclaimedAcks < front.length {
			return EligibleMarker[D]{}, false
		}
		acksToClaim = front.length
	case lenAssumed:
		acksToClaim = 0
	case lenUnknown:
		return EligibleMarker[D]{}, false
	}

	marker := EligibleMarker[D]{
		ID:      front.id,
		Len:     front.length,
		Assumed: front.lenKind == lenAssumed,
		Data:    front.data,
		HasData: front.hasData,
	}
	o.pendingMarkers = o.pendingMarkers[1:]
	o.unclaimedAcks -= acksToClaim
	o.ackedMarkerID = marker.ID + marker.Len
	return marker, true
}
