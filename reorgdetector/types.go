package reorgdetector

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type header struct {
	Num  uint64
	Hash common.Hash
}

// headersList holds the blocks a single subscriber has reported, keyed by
// block number
type headersList struct {
	sync.RWMutex
	headers map[uint64]header
}

func newHeadersList(hdrs ...header) *headersList {
	headers := make(map[uint64]header, len(hdrs))
	for _, h := range hdrs {
		headers[h.Num] = h
	}
	return &headersList{headers: headers}
}

func (hl *headersList) add(h header) {
	hl.Lock()
	defer hl.Unlock()
	hl.headers[h.Num] = h
}

func (hl *headersList) len() int {
	hl.RLock()
	defer hl.RUnlock()
	return len(hl.headers)
}

// getSorted returns the headers in ascending block number order
func (hl *headersList) getSorted() []header {
	hl.RLock()
	sorted := make([]header, 0, len(hl.headers))
	for _, h := range hl.headers {
		sorted = append(sorted, h)
	}
	hl.RUnlock()

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Num < sorted[j].Num
	})
	return sorted
}

// removeRange drops all headers with from <= num <= to
func (hl *headersList) removeRange(from, to uint64) {
	hl.Lock()
	defer hl.Unlock()
	for num := range hl.headers {
		if num >= from && num <= to {
			delete(hl.headers, num)
		}
	}
}
