// SPDX-License-Identifier: AGPL-3.0-only
package scheduler

import (
	"gitlab.com/yawning/avl.git"
)

// rarityEntry is the value stored in the AVL tree: a piece index and the
// number of connected peers known to have it. The tree orders entries by
// (count, index) so the minimum node is always the globally rarest piece
// with the lowest index, giving O(log n) rarest-first selection and O(log
// n) updates as peers join/leave/advertise pieces.
type rarityEntry struct {
	index int
	count int
}

func rarityLess(a, b interface{}) int {
	ea, eb := a.(*rarityEntry), b.(*rarityEntry)
	switch {
	case ea.count < eb.count:
		return -1
	case ea.count > eb.count:
		return 1
	case ea.index < eb.index:
		return -1
	case ea.index > eb.index:
		return 1
	default:
		return 0
	}
}

// rarityIndex maintains, for every piece, how many connected peers have
// it, ordered for efficient rarest-first iteration.
type rarityIndex struct {
	tree    *avl.Tree
	entries []*rarityEntry
	nodes   []*avl.Node
}

func newRarityIndex(numPieces int) *rarityIndex {
	r := &rarityIndex{
		tree:    avl.New(rarityLess),
		entries: make([]*rarityEntry, numPieces),
		nodes:   make([]*avl.Node, numPieces),
	}
	for i := 0; i < numPieces; i++ {
		e := &rarityEntry{index: i, count: 0}
		r.entries[i] = e
		r.nodes[i] = r.tree.Insert(e)
	}
	return r
}

// Count returns how many peers are known to have piece index.
func (r *rarityIndex) Count(index int) int {
	return r.entries[index].count
}

func (r *rarityIndex) reinsert(index int) {
	r.tree.Remove(r.nodes[index])
	r.nodes[index] = r.tree.Insert(r.entries[index])
}

// Increment records that one more peer is now known to have index.
func (r *rarityIndex) Increment(index int) {
	r.entries[index].count++
	r.reinsert(index)
}

// Decrement records that one fewer peer has index (e.g. on disconnect).
func (r *rarityIndex) Decrement(index int) {
	if r.entries[index].count > 0 {
		r.entries[index].count--
		r.reinsert(index)
	}
}

// RarestEligible returns piece indices in ascending rarity order,
// filtered by want (the piece must still be needed). It stops once it has
// gathered limit candidates, or after scanning the whole tree.
func (r *rarityIndex) RarestEligible(want func(index int) bool, limit int) []int {
	var out []int
	iter := r.tree.Iterator(avl.Forward)
	for node := iter.First(); node != nil && len(out) < limit; node = iter.Next() {
		e := node.Value.(*rarityEntry)
		if e.count == 0 {
			continue
		}
		if want(e.index) {
			out = append(out, e.index)
		}
	}
	return out
}
