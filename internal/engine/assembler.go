package engine

import (
	"sort"

	"github.com/mohaanymo/sealdash/internal/models"
)

// Assemble concatenates decrypted segments in index order. It never
// returns partial output: every index in [0, count) must be present
// exactly once.
func Assemble(segments []models.DecryptedSegment, count int) (*models.AssembledStream, error) {
	if count < 1 {
		return nil, &models.GapError{Expected: count}
	}
	seen := make([]int, count)
	gap := &models.GapError{Expected: count}

	for _, s := range segments {
		if s.Index < 0 || s.Index >= count {
			gap.OutOfRange = append(gap.OutOfRange, s.Index)
			continue
		}
		seen[s.Index]++
		if seen[s.Index] == 2 {
			gap.Duplicate = append(gap.Duplicate, s.Index)
		}
	}
	for i, n := range seen {
		if n == 0 {
			gap.Missing = append(gap.Missing, i)
		}
	}
	if len(gap.Missing) > 0 || len(gap.Duplicate) > 0 || len(gap.OutOfRange) > 0 {
		return nil, gap
	}

	ordered := make([]models.DecryptedSegment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	total := 0
	for _, s := range ordered {
		total += len(s.Data)
	}

	out := &models.AssembledStream{
		Data:           make([]byte, 0, total),
		SegmentCount:   count,
		SegmentLengths: make([]int, count),
	}
	for _, s := range ordered {
		out.Data = append(out.Data, s.Data...)
		out.SegmentLengths[s.Index] = len(s.Data)
	}
	return out, nil
}
