package dlcore

// MinChunkSize is the smallest chunk size the planner will honor; smaller
// requests are clamped up to this floor.
const MinChunkSize = 1 * 1024 * 1024 // 1 MiB

// PlanRanges partitions [0, total) into contiguous, non-overlapping Range
// fragments of at most chunkSize bytes each. The last fragment may be
// shorter. PlanRanges(0, _) yields the single whole-file sentinel
// Range{0,0}.
func PlanRanges(total int64, chunkSize int64) []Fragment {
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	if total <= 0 {
		return []Fragment{{Kind: FragmentRange, Offset: 0, Len: 0, State: FragMissing}}
	}

	n := total / chunkSize
	if total%chunkSize != 0 {
		n++
	}
	frags := make([]Fragment, 0, n)
	var offset int64
	for offset < total {
		length := chunkSize
		if remaining := total - offset; remaining < length {
			length = remaining
		}
		frags = append(frags, Fragment{
			Kind:   FragmentRange,
			Offset: offset,
			Len:    length,
			State:  FragMissing,
		})
		offset += length
	}
	return frags
}
