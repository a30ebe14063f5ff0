// SPDX-License-Identifier: MIT

package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelNotFound indicates the requested channel id does not exist.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrDuplicateID indicates an add would collide with an existing id.
	ErrDuplicateID = errors.New("channel id already in use")
)

// RenumberConflictError is returned when a renumber or move cannot be
// expressed as the two-channel swap rule.
type RenumberConflictError struct {
	ChannelID int
	TargetID  int
	Reason    string
}

func (e *RenumberConflictError) Error() string {
	return fmt.Sprintf("cannot renumber channel %d to %d: %s", e.ChannelID, e.TargetID, e.Reason)
}

// InvalidMosaicReferenceError is returned when a mosaic definition
// references a missing or unsuitable member channel.
type InvalidMosaicReferenceError struct {
	MemberID int
	Reason   string
}

func (e *InvalidMosaicReferenceError) Error() string {
	return fmt.Sprintf("invalid mosaic member %d: %s", e.MemberID, e.Reason)
}

// MosaicReferenceError rejects deleting or repurposing a channel that is
// still a member of one or more mosaics.
type MosaicReferenceError struct {
	ChannelID int
	Mosaics   []int
}

func (e *MosaicReferenceError) Error() string {
	return fmt.Sprintf("channel %d is referenced by mosaic(s) %v", e.ChannelID, e.Mosaics)
}
