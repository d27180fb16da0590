package reorgdetector

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

type trackedBlock struct {
	SubscriberID string      `meddler:"subscriber_id"`
	Num          uint64      `meddler:"num"`
	Hash         common.Hash `meddler:"hash,hash"`
}

// loadTrackedHeaders restores the per-subscriber tracked blocks from sqlite
func (rd *ReorgDetector) loadTrackedHeaders() error {
	var rows []*trackedBlock
	if err := meddler.QueryAll(rd.db, &rows, "SELECT * FROM tracked_block;"); err != nil {
		return err
	}
	rd.trackedBlocksLock.Lock()
	defer rd.trackedBlocksLock.Unlock()
	for _, row := range rows {
		hl, ok := rd.trackedBlocks[row.SubscriberID]
		if !ok {
			hl = newHeadersList()
			rd.trackedBlocks[row.SubscriberID] = hl
		}
		hl.add(header{Num: row.Num, Hash: row.Hash})
	}
	return nil
}

func (rd *ReorgDetector) saveTrackedBlock(id string, hdr header) error {
	_, err := rd.db.Exec(
		`INSERT INTO tracked_block (subscriber_id, num, hash) VALUES ($1, $2, $3)
		 ON CONFLICT (subscriber_id, num) DO UPDATE SET hash = $3;`,
		id, hdr.Num, hdr.Hash.Hex(),
	)
	return err
}

func (rd *ReorgDetector) removeTrackedBlockRange(id string, from, to uint64) error {
	_, err := rd.db.Exec(
		"DELETE FROM tracked_block WHERE subscriber_id = $1 AND num >= $2 AND num <= $3;",
		id, from, to,
	)
	return err
}
