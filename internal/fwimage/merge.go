package fwimage

import "sort"

// gapFillThreshold is the largest gap between two segments that gets
// filled with 0xFF (the erased-flash value) rather than left as a
// separate segment, per spec §4.6 ("merge_segments").
const gapFillThreshold = 64 * 1024

// MergeSegments orders segs by address and merges overlapping or
// close-together regions, filling gaps smaller than 64 KiB with 0xFF.
// Gaps at or above 64 KiB are left as distinct segments so the
// flashers don't write huge spans of filler across, e.g., two
// unrelated partitions.
func MergeSegments(segs []Segment) []Segment {
	if len(segs) == 0 {
		return nil
	}
	cp := append([]Segment(nil), segs...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Address < cp[j].Address })

	merged := []Segment{{Address: cp[0].Address, Data: append([]byte(nil), cp[0].Data...)}}
	for _, s := range cp[1:] {
		last := &merged[len(merged)-1]
		gap := int64(s.Address) - int64(last.End())
		switch {
		case gap < 0:
			// Overlap: keep bytes from the later segment where they overlap.
			overlap := int(-gap)
			start := len(last.Data) - overlap
			if start < 0 {
				start = 0
			}
			if overlap < len(s.Data) {
				last.Data = append(last.Data[:start], s.Data...)
			} else {
				copy(last.Data[start:], s.Data)
			}
		case gap == 0:
			last.Data = append(last.Data, s.Data...)
		case gap < gapFillThreshold:
			filler := make([]byte, gap)
			for i := range filler {
				filler[i] = 0xFF
			}
			last.Data = append(last.Data, filler...)
			last.Data = append(last.Data, s.Data...)
		default:
			merged = append(merged, Segment{Address: s.Address, Data: append([]byte(nil), s.Data...)})
		}
	}
	return merged
}
