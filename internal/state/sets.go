package state

import (
	"sort"
)

// IDSet is a sorted set of record ids.
type IDSet []string

// NewIDSet builds a sorted, de-duplicated set.
func NewIDSet(ids ...string) IDSet {
	var set IDSet
	for _, id := range ids {
		set = set.Add(id)
	}
	return set
}

// Has reports membership.
func (s IDSet) Has(id string) bool {
	i := sort.SearchStrings(s, id)
	return i < len(s) && s[i] == id
}

// Add returns set with id inserted.
func (s IDSet) Add(id string) IDSet {
	i := sort.SearchStrings(s, id)
	if i < len(s) && s[i] == id {
		return s
	}
	out := make(IDSet, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, id)
	return append(out, s[i:]...)
}

// Remove returns set without id.
func (s IDSet) Remove(id string) IDSet {
	i := sort.SearchStrings(s, id)
	if i >= len(s) || s[i] != id {
		return s
	}
	out := make(IDSet, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

// Union returns members of either set.
func (s IDSet) Union(other IDSet) IDSet {
	out := make(IDSet, 0, len(s)+len(other))
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		switch {
		case s[i] == other[j]:
			out = append(out, s[i])
			i++
			j++
		case s[i] < other[j]:
			out = append(out, s[i])
			i++
		default:
			out = append(out, other[j])
			j++
		}
	}
	out = append(out, s[i:]...)
	return append(out, other[j:]...)
}

// Intersect returns members of both sets.
func (s IDSet) Intersect(other IDSet) IDSet {
	out := make(IDSet, 0)
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		switch {
		case s[i] == other[j]:
			out = append(out, s[i])
			i++
			j++
		case s[i] < other[j]:
			i++
		default:
			j++
		}
	}
	return out
}

// Diff returns members of s missing from other.
func (s IDSet) Diff(other IDSet) IDSet {
	out := make(IDSet, 0, len(s))
	for _, id := range s {
		if !other.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// ScoredMember is one id with its ordering score (unix nanoseconds for time orderings).
type ScoredMember struct {
	ID    string `json:"id"`
	Score int64  `json:"score"`
}

// ScoredSet keeps members ordered by score, then id.
type ScoredSet []ScoredMember

// Add inserts or re-scores id.
func (s ScoredSet) Add(id string, score int64) ScoredSet {
	s = s.Remove(id)
	i := sort.Search(len(s), func(i int) bool {
		return s[i].Score > score || (s[i].Score == score && s[i].ID >= id)
	})
	out := make(ScoredSet, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, ScoredMember{ID: id, Score: score})
	return append(out, s[i:]...)
}

// Remove deletes id when present.
func (s ScoredSet) Remove(id string) ScoredSet {
	for i, m := range s {
		if m.ID == id {
			out := make(ScoredSet, 0, len(s)-1)
			out = append(out, s[:i]...)
			return append(out, s[i+1:]...)
		}
	}
	return s
}

// RangeByScore returns ids with lo <= score <= hi.
func (s ScoredSet) RangeByScore(lo, hi int64) IDSet {
	start := sort.Search(len(s), func(i int) bool { return s[i].Score >= lo })
	ids := make([]string, 0)
	for i := start; i < len(s) && s[i].Score <= hi; i++ {
		ids = append(ids, s[i].ID)
	}
	return NewIDSet(ids...)
}

// Score returns score of id.
func (s ScoredSet) Score(id string) (int64, bool) {
	for _, m := range s {
		if m.ID == id {
			return m.Score, true
		}
	}
	return 0, false
}
