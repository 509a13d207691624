package aggregate

import (
	"slices"
	"sort"

	"github.com/jonathan/creator-pipeline/internal/types"
)

// Splice applies batch seq to list. index maps each known seq to where its
// items sit in list and is kept sorted by seq. The batch's ref is stamped
// with version.
//
// A known seq has its items replaced in place and every later batch shifted
// by the length difference. An unknown seq is inserted after the last batch
// with a lower seq. Inputs are not modified.
//
// Cost is O(len(index)) per call for the offset shift.
func Splice[T any](list []T, index []types.BatchRef, seq, version int, items []T) ([]T, []types.BatchRef, bool) {
	idx := slices.Clone(index)
	pos := sort.Search(len(idx), func(i int) bool { return idx[i].Seq >= seq })

	if pos < len(idx) && idx[pos].Seq == seq {
		ref := idx[pos]
		start := min(ref.Offset, len(list))
		end := min(ref.Offset+ref.Length, len(list))

		out := make([]T, 0, len(list)-(end-start)+len(items))
		out = append(out, list[:start]...)
		out = append(out, items...)
		out = append(out, list[end:]...)

		delta := len(items) - (end - start)
		idx[pos].Length = len(items)
		idx[pos].Version = version
		for i := pos + 1; i < len(idx); i++ {
			idx[i].Offset += delta
		}
		return out, idx, true
	}

	offset := 0
	if pos > 0 {
		prev := idx[pos-1]
		offset = prev.Offset + prev.Length
	}
	offset = min(offset, len(list))

	out := make([]T, 0, len(list)+len(items))
	out = append(out, list[:offset]...)
	out = append(out, items...)
	out = append(out, list[offset:]...)

	for i := pos; i < len(idx); i++ {
		idx[i].Offset += len(items)
	}
	idx = slices.Insert(idx, pos, types.BatchRef{Seq: seq, Offset: offset, Length: len(items), Version: version})
	return out, idx, false
}
