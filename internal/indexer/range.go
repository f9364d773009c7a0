package indexer

import "fmt"

// BlockRange is an inclusive window of blocks passed to one eth_getLogs call.
type BlockRange struct {
	From uint64
	To   uint64
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.From, r.To)
}

// LogWindows splits [from, to] into consecutive windows of at most size blocks. A zero size
// queries the whole range at once. An empty range yields no windows.
func LogWindows(from, to, size uint64) []BlockRange {
	if from > to {
		return nil
	}
	if size == 0 || to-from < size {
		return []BlockRange{{From: from, To: to}}
	}

	windows := make([]BlockRange, 0, (to-from)/size+1)
	for start := from; ; start += size {
		if to-start < size {
			return append(windows, BlockRange{From: start, To: to})
		}
		windows = append(windows, BlockRange{From: start, To: start + size - 1})
	}
}
