// SPDX-License-Identifier: MIT

package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/camtuner/camtuner/internal/log"
)

// Registry maintains the ordered, uniquely numbered channel list.
//
// All metadata reads and mutations go through one RWMutex; the lock is
// never held across streaming. Readers get deep-copied snapshots, so a
// lineup render observes either the pre- or post-swap mapping, never a
// half-applied one.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int]*Channel
	order  []int // channel ids in display order
	logger zerolog.Logger
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[int]*Channel),
		logger: log.WithComponent("registry"),
	}
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Get returns a copy of the channel with the given id.
func (r *Registry) Get(id int) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byID[id]
	if !ok {
		return Channel{}, false
	}
	return ch.clone(), true
}

// Snapshot returns deep copies of all channels in display order.
func (r *Registry) Snapshot() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].clone())
	}
	return out
}

// NextID returns the next free channel id, starting at 101 like set-top
// lineups usually do.
func (r *Registry) NextID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextIDLocked()
}

func (r *Registry) nextIDLocked() int {
	next := 101
	for id := range r.byID {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// Add inserts a channel at the end of the lineup. A zero ID is assigned
// automatically. The registry is left unchanged when validation fails.
func (r *Registry) Add(ch Channel) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch.ID == 0 {
		ch.ID = r.nextIDLocked()
	}
	if ch.ID < MinChannelID || ch.ID > MaxChannelID {
		return Channel{}, fmt.Errorf("channel id %d out of range [%d,%d]", ch.ID, MinChannelID, MaxChannelID)
	}
	if _, exists := r.byID[ch.ID]; exists {
		return Channel{}, fmt.Errorf("add channel %d: %w", ch.ID, ErrDuplicateID)
	}
	if err := r.validateLocked(ch); err != nil {
		return Channel{}, err
	}

	ch.Transport = normalizeTransport(ch.Transport)
	ch.AuthMode = normalizeAuthMode(ch.AuthMode)
	if ch.Name == "" {
		ch.Name = fmt.Sprintf("Channel %d", ch.ID)
	}
	if ch.Guide.TvgID == "" {
		ch.Guide.TvgID = fmt.Sprintf("cam.%d", ch.ID)
	}

	stored := ch.clone()
	r.byID[ch.ID] = &stored
	r.order = append(r.order, ch.ID)

	r.logger.Info().
		Str("event", "channel.added").
		Int(log.FieldChannelID, ch.ID).
		Str("kind", string(ch.Source.Kind)).
		Msg("channel added")
	return ch, nil
}

// Update replaces every field of the channel except its id. Turning a
// referenced member into a mosaic is rejected, since mosaics may not
// nest.
func (r *Registry) Update(id int, ch Channel) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return Channel{}, fmt.Errorf("update channel %d: %w", id, ErrChannelNotFound)
	}
	ch.ID = id
	if ch.IsMosaic() {
		if refs := r.referencingMosaicsLocked(id); len(refs) > 0 {
			return Channel{}, &MosaicReferenceError{ChannelID: id, Mosaics: refs}
		}
	}
	if err := r.validateLocked(ch); err != nil {
		return Channel{}, err
	}

	ch.Transport = normalizeTransport(ch.Transport)
	ch.AuthMode = normalizeAuthMode(ch.AuthMode)
	if ch.Guide.TvgID == "" {
		ch.Guide.TvgID = fmt.Sprintf("cam.%d", id)
	}

	stored := ch.clone()
	r.byID[id] = &stored

	r.logger.Info().
		Str("event", "channel.updated").
		Int(log.FieldChannelID, id).
		Msg("channel updated")
	return ch, nil
}

// Delete removes a channel. Deleting a channel that is still referenced
// by a mosaic is rejected with the referencing mosaic ids named.
func (r *Registry) Delete(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return fmt.Errorf("delete channel %d: %w", id, ErrChannelNotFound)
	}
	if refs := r.referencingMosaicsLocked(id); len(refs) > 0 {
		return &MosaicReferenceError{ChannelID: id, Mosaics: refs}
	}

	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Info().
		Str("event", "channel.deleted").
		Int(log.FieldChannelID, id).
		Msg("channel deleted")
	return nil
}

// Renumber assigns a new guide number to a channel. An occupied target
// triggers the slot-takeover swap: the occupant is displaced to the
// channel's prior id, bounding the blast radius to the two channels.
func (r *Registry) Renumber(id, target int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("renumber channel %d: %w", id, ErrChannelNotFound)
	}
	if target < MinChannelID || target > MaxChannelID {
		return &RenumberConflictError{ChannelID: id, TargetID: target,
			Reason: fmt.Sprintf("target outside [%d,%d]", MinChannelID, MaxChannelID)}
	}
	if target == id {
		return nil
	}

	if other, occupied := r.byID[target]; occupied {
		r.swapLocked(ch, other)
	} else {
		r.takeLocked(ch, target)
	}
	return nil
}

// Move places a channel at a display position (0-based). The occupant of
// that position and the moved channel exchange ids via the same swap
// rule, so guide numbers keep matching the lineup order.
func (r *Registry) Move(id, position int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("move channel %d: %w", id, ErrChannelNotFound)
	}
	if position < 0 || position >= len(r.order) {
		return fmt.Errorf("move channel %d: position %d out of range", id, position)
	}
	other := r.byID[r.order[position]]
	if other.ID == id {
		return nil
	}
	r.swapLocked(ch, other)
	return nil
}

// ResolveMembers returns copies of a mosaic's member channels, in member
// order.
func (r *Registry) ResolveMembers(id int) ([]Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("resolve members of %d: %w", id, ErrChannelNotFound)
	}
	if !ch.IsMosaic() {
		return nil, fmt.Errorf("channel %d is not a mosaic", id)
	}
	out := make([]Channel, 0, len(ch.Source.Members))
	for _, mid := range ch.Source.Members {
		m, ok := r.byID[mid]
		if !ok {
			return nil, &InvalidMosaicReferenceError{MemberID: mid, Reason: "member does not exist"}
		}
		out = append(out, m.clone())
	}
	return out, nil
}

// takeLocked moves a channel to an unoccupied id, keeping its position.
func (r *Registry) takeLocked(ch *Channel, target int) {
	old := ch.ID
	delete(r.byID, old)
	ch.ID = target
	r.byID[target] = ch
	for i, oid := range r.order {
		if oid == old {
			r.order[i] = target
			break
		}
	}
	r.remapMembersLocked(old, target)

	r.logger.Info().
		Str("event", "channel.renumbered").
		Int("old_id", old).
		Int("new_id", target).
		Msg("channel took free slot")
}

// swapLocked exchanges the ids of two channels. The order slice stores
// ids, so the channels also exchange display positions; mosaic member
// lists are re-resolved against the post-swap mapping.
func (r *Registry) swapLocked(a, b *Channel) {
	aID, bID := a.ID, b.ID
	a.ID, b.ID = bID, aID
	r.byID[a.ID] = a
	r.byID[b.ID] = b
	r.swapMembersLocked(aID, bID)

	r.logger.Info().
		Str("event", "channel.swapped").
		Int("id_a", aID).
		Int("id_b", bID).
		Msg("slot-takeover swap applied")
}

// remapMembersLocked rewrites mosaic member references from old to to.
func (r *Registry) remapMembersLocked(old, to int) {
	for _, ch := range r.byID {
		for i, mid := range ch.Source.Members {
			if mid == old {
				ch.Source.Members[i] = to
			}
		}
	}
}

// swapMembersLocked rewrites mosaic member references after a two-way id
// swap so each member list still names the same underlying channels.
func (r *Registry) swapMembersLocked(a, b int) {
	for _, ch := range r.byID {
		for i, mid := range ch.Source.Members {
			switch mid {
			case a:
				ch.Source.Members[i] = b
			case b:
				ch.Source.Members[i] = a
			}
		}
	}
}

// referencingMosaicsLocked returns the sorted ids of mosaics referencing
// the given channel.
func (r *Registry) referencingMosaicsLocked(id int) []int {
	var refs []int
	for _, ch := range r.byID {
		if !ch.IsMosaic() {
			continue
		}
		for _, mid := range ch.Source.Members {
			if mid == id {
				refs = append(refs, ch.ID)
				break
			}
		}
	}
	sort.Ints(refs)
	return refs
}

func (r *Registry) validateLocked(ch Channel) error {
	switch ch.Source.Kind {
	case KindRTSP, KindHLS:
		if ch.Source.Locator == "" {
			return fmt.Errorf("channel %d: empty source locator", ch.ID)
		}
		if len(ch.Source.Members) > 0 {
			return fmt.Errorf("channel %d: members are only valid for mosaics", ch.ID)
		}
	case KindMosaic:
		n := len(ch.Source.Members)
		if n < MinMosaicMembers || n > MaxMosaicMembers {
			return fmt.Errorf("mosaic %d: needs %d-%d members, got %d",
				ch.ID, MinMosaicMembers, MaxMosaicMembers, n)
		}
		seen := make(map[int]bool, n)
		for _, mid := range ch.Source.Members {
			if mid == ch.ID {
				return &InvalidMosaicReferenceError{MemberID: mid, Reason: "mosaic cannot reference itself"}
			}
			if seen[mid] {
				return &InvalidMosaicReferenceError{MemberID: mid, Reason: "duplicate member"}
			}
			seen[mid] = true
			member, ok := r.byID[mid]
			if !ok {
				return &InvalidMosaicReferenceError{MemberID: mid, Reason: "member does not exist"}
			}
			if member.IsMosaic() {
				return &InvalidMosaicReferenceError{MemberID: mid, Reason: "mosaics cannot nest"}
			}
		}
	default:
		return fmt.Errorf("channel %d: unknown source kind %q", ch.ID, ch.Source.Kind)
	}
	return nil
}
