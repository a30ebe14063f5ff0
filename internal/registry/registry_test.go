// SPDX-License-Identifier: MIT

package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rtspChannel(id int, name string) Channel {
	return Channel{
		ID:   id,
		Name: name,
		Source: Source{
			Kind:    KindRTSP,
			Locator: "rtsp://10.0.0.1/stream",
		},
		TranscodeAudio: true,
	}
}

func seedABC(t *testing.T) *Registry {
	t.Helper()
	r := New()
	for _, c := range []Channel{
		rtspChannel(101, "A"),
		rtspChannel(102, "B"),
		rtspChannel(103, "C"),
	} {
		_, err := r.Add(c)
		require.NoError(t, err)
	}
	return r
}

func idsByName(snap []Channel) map[string]int {
	out := make(map[string]int, len(snap))
	for _, c := range snap {
		out[c.Name] = c.ID
	}
	return out
}

func TestAddAssignsNextID(t *testing.T) {
	r := New()

	ch, err := r.Add(rtspChannel(0, "front door"))
	require.NoError(t, err)
	assert.Equal(t, 101, ch.ID)

	ch, err = r.Add(rtspChannel(0, "garage"))
	require.NoError(t, err)
	assert.Equal(t, 102, ch.ID)

	_, err = r.Add(rtspChannel(500, "barn"))
	require.NoError(t, err)

	ch, err = r.Add(rtspChannel(0, "yard"))
	require.NoError(t, err)
	assert.Equal(t, 501, ch.ID)
}

func TestAddRejectsDuplicateID(t *testing.T) {
	r := seedABC(t)

	_, err := r.Add(rtspChannel(102, "dup"))
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 3, r.Len())
}

func TestRenumberToOccupiedSwaps(t *testing.T) {
	r := seedABC(t)

	// Renumbering A to C's slot displaces C to A's old id,
	// not a cascading shift through B.
	require.NoError(t, r.Renumber(101, 103))

	got := idsByName(r.Snapshot())
	assert.Equal(t, map[string]int{"A": 103, "B": 102, "C": 101}, got)
}

func TestRenumberSwapIsItsOwnInverse(t *testing.T) {
	r := seedABC(t)

	require.NoError(t, r.Renumber(101, 103)) // A <-> C
	require.NoError(t, r.Renumber(103, 101)) // A back

	got := idsByName(r.Snapshot())
	assert.Equal(t, map[string]int{"A": 101, "B": 102, "C": 103}, got)
}

func TestRenumberToFreeSlot(t *testing.T) {
	r := seedABC(t)

	require.NoError(t, r.Renumber(102, 200))

	got := idsByName(r.Snapshot())
	assert.Equal(t, map[string]int{"A": 101, "B": 200, "C": 103}, got)

	_, ok := r.Get(102)
	assert.False(t, ok)
}

func TestRenumberConflicts(t *testing.T) {
	r := seedABC(t)

	tests := []struct {
		name   string
		id     int
		target int
	}{
		{"target below range", 101, 0},
		{"target above range", 101, 100000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Renumber(tt.id, tt.target)
			var conflict *RenumberConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, tt.id, conflict.ChannelID)
			assert.Equal(t, tt.target, conflict.TargetID)
		})
	}

	err := r.Renumber(999, 105)
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMoveSwapsPositionsAndIDs(t *testing.T) {
	r := seedABC(t)

	// Drag A onto the last row: A and C trade both slot and number.
	require.NoError(t, r.Move(101, 2))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "C", snap[0].Name)
	assert.Equal(t, 101, snap[0].ID)
	assert.Equal(t, "B", snap[1].Name)
	assert.Equal(t, "A", snap[2].Name)
	assert.Equal(t, 103, snap[2].ID)
}

func TestIDsStayUniqueAcrossMutations(t *testing.T) {
	r := seedABC(t)

	ops := []func() error{
		func() error { _, err := r.Add(rtspChannel(0, "D")); return err },
		func() error { return r.Renumber(101, 104) },
		func() error { return r.Renumber(104, 102) },
		func() error { return r.Delete(103) },
		func() error { _, err := r.Add(rtspChannel(103, "E")); return err },
		func() error { return r.Move(103, 0) },
	}
	for _, op := range ops {
		require.NoError(t, op())

		seen := make(map[int]bool)
		for _, c := range r.Snapshot() {
			assert.False(t, seen[c.ID], "duplicate id %d in snapshot", c.ID)
			seen[c.ID] = true
		}
	}
}

func TestMosaicValidation(t *testing.T) {
	r := seedABC(t)
	mosaic, err := r.Add(Channel{
		Name:   "quad",
		Source: Source{Kind: KindMosaic, Members: []int{101, 102}},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		members []int
	}{
		{"nonexistent member", []int{101, 999}},
		{"mosaic member", []int{101, mosaic.ID}},
		{"single member", []int{101}},
		{"too many members", []int{101, 102, 103, 101, 102}},
		{"duplicate member", []int{101, 101}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := r.Len()
			_, err := r.Add(Channel{
				Name:   "bad",
				Source: Source{Kind: KindMosaic, Members: tt.members},
			})
			require.Error(t, err)
			assert.Equal(t, before, r.Len(), "failed add must leave the registry unchanged")
		})
	}
}

func TestDeleteReferencedMemberRejected(t *testing.T) {
	r := seedABC(t)
	mosaic, err := r.Add(Channel{
		Name:   "pair",
		Source: Source{Kind: KindMosaic, Members: []int{101, 102}},
	})
	require.NoError(t, err)

	err = r.Delete(101)
	var refErr *MosaicReferenceError
	require.ErrorAs(t, err, &refErr)
	assert.Equal(t, 101, refErr.ChannelID)
	assert.Equal(t, []int{mosaic.ID}, refErr.Mosaics)

	// Unreferenced channels still delete fine.
	require.NoError(t, r.Delete(103))

	// After the mosaic goes away the member is free.
	require.NoError(t, r.Delete(mosaic.ID))
	require.NoError(t, r.Delete(101))
}

func TestSwapReResolvesMosaicMembers(t *testing.T) {
	r := seedABC(t)
	mosaic, err := r.Add(Channel{
		Name:   "pair",
		Source: Source{Kind: KindMosaic, Members: []int{101, 103}},
	})
	require.NoError(t, err)

	// A(101) and C(103) swap numbers. The mosaic still shows A and C,
	// so its member list must follow them to their new ids.
	require.NoError(t, r.Renumber(101, 103))

	members, err := r.ResolveMembers(mosaic.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "A", members[0].Name)
	assert.Equal(t, 103, members[0].ID)
	assert.Equal(t, "C", members[1].Name)
	assert.Equal(t, 101, members[1].ID)
}

func TestUpdateReferencedMemberCannotBecomeMosaic(t *testing.T) {
	r := seedABC(t)
	_, err := r.Add(Channel{
		Name:   "pair",
		Source: Source{Kind: KindMosaic, Members: []int{101, 102}},
	})
	require.NoError(t, err)

	_, err = r.Update(101, Channel{
		Name:   "A",
		Source: Source{Kind: KindMosaic, Members: []int{102, 103}},
	})
	var refErr *MosaicReferenceError
	assert.ErrorAs(t, err, &refErr)
}

func TestSnapshotConsistencyUnderConcurrentRenumber(t *testing.T) {
	r := seedABC(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = r.Renumber(101, 103)
			_ = r.Renumber(103, 101)
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got := idsByName(r.Snapshot())
			// Either the pre- or post-swap mapping, never a mix.
			if got["A"] == 101 {
				assert.Equal(t, 103, got["C"])
			} else {
				assert.Equal(t, 103, got["A"])
				assert.Equal(t, 101, got["C"])
			}
			assert.Equal(t, 102, got["B"])
		}
	}()

	wg.Wait()
}

func TestSnapshotDoesNotAliasRegistryState(t *testing.T) {
	r := seedABC(t)
	_, err := r.Add(Channel{
		Name:   "pair",
		Source: Source{Kind: KindMosaic, Members: []int{101, 102}},
	})
	require.NoError(t, err)

	snap := r.Snapshot()
	for i := range snap {
		snap[i].Name = "mutated"
		if snap[i].Source.Members != nil {
			snap[i].Source.Members[0] = 9999
		}
	}

	fresh := r.Snapshot()
	assert.Equal(t, "A", fresh[0].Name)
	members, err := r.ResolveMembers(fresh[3].ID)
	require.NoError(t, err)
	assert.Equal(t, "A", members[0].Name)
}
