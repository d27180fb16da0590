package reorgdetector

import "sync"

// Subscription is the channel pair handed to each subscriber. After reading
// a block number from FirstReorgedBlock, the subscriber must rewind its own
// state and then signal ReorgProcessed; until then no further blocks are
// accepted from it and no further reorgs are reported to it.
type Subscription struct {
	FirstReorgedBlock          chan uint64
	ReorgProcessed             chan bool
	pendingReorgsToBeProcessed sync.WaitGroup
}

func (rd *ReorgDetector) Subscribe(id string) (*Subscription, error) {
	rd.subscriptionsLock.Lock()
	defer rd.subscriptionsLock.Unlock()

	if sub, ok := rd.subscriptions[id]; ok {
		return sub, nil
	}
	sub := &Subscription{
		FirstReorgedBlock: make(chan uint64),
		ReorgProcessed:    make(chan bool),
	}
	rd.subscriptions[id] = sub
	return sub, nil
}
