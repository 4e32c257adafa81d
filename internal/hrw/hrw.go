// Package hrw implements rendezvous (highest random weight) hashing over a
// set of member ids. Routers use it to keep a key pinned to the same member
// while the member set is unchanged, and to move only the keys of a removed
// member when it is not.
package hrw

import (
	"cmp"
	"encoding/binary"
	"slices"

	"golang.org/x/crypto/blake2b"
)

// Score returns the weight of member for key. seed namespaces the scores so
// that two routers over the same members spread keys differently.
func Score(key, member, seed string) uint64 {
	h, _ := blake2b.New(8, nil)
	if seed != "" {
		h.Write([]byte(seed))
		h.Write([]byte{0})
	}
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(member))
	return binary.BigEndian.Uint64(h.Sum(nil))
}

// Best returns the index of the member with the highest score for key.
// ok is false if members is empty.
func Best(key string, members []string, seed string) (idx int, ok bool) {
	if len(members) == 0 {
		return -1, false
	}
	var top uint64
	for i, m := range members {
		if s := Score(key, m, seed); i == 0 || s > top {
			top, idx = s, i
		}
	}
	return idx, true
}

// Rank returns member indices ordered by descending score for key. The first
// entry equals Best; the rest are the fallbacks in order.
func Rank(key string, members []string, seed string) []int {
	type entry struct {
		score uint64
		idx   int
	}
	es := make([]entry, len(members))
	for i, m := range members {
		es[i] = entry{score: Score(key, m, seed), idx: i}
	}
	slices.SortFunc(es, func(a, b entry) int { return cmp.Compare(b.score, a.score) })

	out := make([]int, len(es))
	for i, e := range es {
		out[i] = e.idx
	}
	return out
}
