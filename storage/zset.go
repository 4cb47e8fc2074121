package storage

import "sort"

// zsetEntry is a member's score plus the order in which the member first
// joined the set. The sequence breaks score ties so ranges are stable.
type zsetEntry struct {
	score float64
	seq   uint64
}

// ZSetMember is one member of a ranged query result
type ZSetMember struct {
	Member string
	Score  float64
}

// SortedSet maps unique members to scores. It is not safe for concurrent
// use; Store serializes access to it.
type SortedSet struct {
	members map[string]zsetEntry
	nextSeq uint64
}

// NewSortedSet creates an empty sorted set
func NewSortedSet() *SortedSet {
	return &SortedSet{members: make(map[string]zsetEntry)}
}

// Add sets member's score, overwriting any previous score. It returns true
// if the member was not present before.
func (z *SortedSet) Add(member string, score float64) bool {
	if e, ok := z.members[member]; ok {
		e.score = score
		z.members[member] = e
		return false
	}
	z.members[member] = zsetEntry{score: score, seq: z.nextSeq}
	z.nextSeq++
	return true
}

// Score returns member's score
func (z *SortedSet) Score(member string) (float64, bool) {
	e, ok := z.members[member]
	return e.score, ok
}

// Len returns the number of members
func (z *SortedSet) Len() int { return len(z.members) }

// descending returns all members ordered by score, highest first. Equal
// scores keep first-insertion order.
func (z *SortedSet) descending() []ZSetMember {
	type ranked struct {
		ZSetMember
		seq uint64
	}
	all := make([]ranked, 0, len(z.members))
	for m, e := range z.members {
		all = append(all, ranked{ZSetMember{Member: m, Score: e.score}, e.seq})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].seq < all[j].seq
	})
	out := make([]ZSetMember, len(all))
	for i, r := range all {
		out[i] = r.ZSetMember
	}
	return out
}

// RevRange returns the members ranked start..stop (inclusive) in descending
// score order. Negative indices count from the end, -1 being the last
// member. Indices outside the set are clamped; an empty window yields an
// empty slice.
func (z *SortedSet) RevRange(start, stop int64) []ZSetMember {
	n := int64(len(z.members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return []ZSetMember{}
	}
	return z.descending()[start : stop+1]
}

// TrimTo drops the lowest-ranked members until at most max remain, and
// returns how many were dropped. A max of zero or less disables trimming.
func (z *SortedSet) TrimTo(max int) int {
	if max <= 0 || len(z.members) <= max {
		return 0
	}
	ranked := z.descending()
	dropped := 0
	for _, m := range ranked[max:] {
		delete(z.members, m.Member)
		dropped++
	}
	return dropped
}
