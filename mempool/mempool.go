package mempool

import (
	"errors"
	"sort"
	"sync"

	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/types"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrPoolFull     = errors.New("mempool is full")
	ErrAlreadyKnown = errors.New("transaction already in mempool")
	ErrFeeTooLow    = errors.New("transaction fee below minimum")
	// ErrNonceTooLow means the nonce was already used by an executed or
	// pending transaction of the same sender
	ErrNonceTooLow = errors.New("nonce too low")
	// ErrNonceTooHigh means the nonce would leave a gap in the sender's
	// sequence. The pool does not park gapped transactions.
	ErrNonceTooHigh = errors.New("nonce too high")
	// ErrMintNotAllowed means a mint transaction was submitted through the
	// mempool. Mints are created by the block builder from the peg ledger,
	// never accepted from the outside.
	ErrMintNotAllowed = errors.New("mint transactions cannot be submitted")
)

type pendingTx struct {
	tx      *types.Transaction
	sender  common.Address
	arrival uint64
}

// Mempool holds pending user transactions in memory. Each sender's
// transactions must form a dense nonce sequence starting at the sender's
// account nonce. Snapshot never mutates the pool, so a block build works on
// a stable view while new transactions keep arriving.
type Mempool struct {
	mu sync.RWMutex

	cfg Config
	log *log.Logger

	byHash     map[common.Hash]*pendingTx
	bySender   map[common.Address][]*pendingTx // nonce ascending
	accNonces  map[common.Address]uint64
	arrivalSeq uint64
}

func New(cfg Config) *Mempool {
	return &Mempool{
		cfg:       cfg,
		log:       log.WithFields("module", "mempool"),
		byHash:    make(map[common.Hash]*pendingTx),
		bySender:  make(map[common.Address][]*pendingTx),
		accNonces: make(map[common.Address]uint64),
	}
}

// Add validates a transaction and admits it to the pool
func (p *Mempool) Add(tx *types.Transaction) error {
	if tx.Mint {
		return ErrMintNotAllowed
	}
	sender, err := tx.Sender()
	if err != nil {
		return err
	}
	if tx.Fee < p.cfg.MinFee {
		return ErrFeeTooLow
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.byHash) >= p.cfg.MaxTxs {
		return ErrPoolFull
	}
	hash := tx.Hash()
	if _, ok := p.byHash[hash]; ok {
		return ErrAlreadyKnown
	}
	expected := p.accNonces[sender] + uint64(len(p.bySender[sender]))
	if tx.Nonce < expected {
		return ErrNonceTooLow
	}
	if tx.Nonce > expected {
		return ErrNonceTooHigh
	}

	p.arrivalSeq++
	ptx := &pendingTx{tx: tx, sender: sender, arrival: p.arrivalSeq}
	p.byHash[hash] = ptx
	p.bySender[sender] = append(p.bySender[sender], ptx)
	p.log.Debugf("admitted tx %s from %s nonce %d fee %d", hash, sender, tx.Nonce, tx.Fee)
	return nil
}

// Snapshot returns up to maxBytes worth of transactions ordered by fee
// descending, breaking ties by arrival order. Per-sender nonce order is
// preserved: a transaction is only taken if all lower nonces of the same
// sender were taken before it.
func (p *Mempool) Snapshot(maxBytes uint64) []*types.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	all := make([]*pendingTx, 0, len(p.byHash))
	for _, ptx := range p.byHash {
		all = append(all, ptx)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].tx.Fee != all[j].tx.Fee {
			return all[i].tx.Fee > all[j].tx.Fee
		}
		return all[i].arrival < all[j].arrival
	})

	var (
		selected  = make([]*types.Transaction, 0, len(all))
		usedBytes uint64
		nextNonce = make(map[common.Address]uint64, len(p.bySender))
		deferred  = make(map[common.Address][]*pendingTx)
	)
	for sender, nonce := range p.accNonces {
		nextNonce[sender] = nonce
	}
	take := func(ptx *pendingTx) bool {
		size := ptx.tx.Size()
		if usedBytes+size > maxBytes {
			return false
		}
		usedBytes += size
		selected = append(selected, ptx.tx)
		nextNonce[ptx.sender] = ptx.tx.Nonce + 1
		return true
	}
	for _, ptx := range all {
		if ptx.tx.Nonce != nextNonce[ptx.sender] {
			// a cheaper lower nonce has to go first, park this one
			deferred[ptx.sender] = append(deferred[ptx.sender], ptx)
			continue
		}
		if !take(ptx) {
			continue
		}
		// unblock parked txs of the same sender, cheapest last
		queue := deferred[ptx.sender]
		for progress := true; progress; {
			progress = false
			for i, parked := range queue {
				if parked == nil || parked.tx.Nonce != nextNonce[ptx.sender] {
					continue
				}
				if take(parked) {
					queue[i] = nil
					progress = true
				}
			}
		}
	}
	return selected
}

// RemoveIncluded drops the given transactions from the pool after they were
// included in a block, and advances the senders' account nonces.
func (p *Mempool) RemoveIncluded(txs []*types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tx := range txs {
		if tx.Mint {
			continue
		}
		ptx, ok := p.byHash[tx.Hash()]
		if !ok {
			continue
		}
		delete(p.byHash, tx.Hash())
		queue := p.bySender[ptx.sender]
		for i, q := range queue {
			if q == ptx {
				p.bySender[ptx.sender] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(p.bySender[ptx.sender]) == 0 {
			delete(p.bySender, ptx.sender)
		}
		if tx.Nonce >= p.accNonces[ptx.sender] {
			p.accNonces[ptx.sender] = tx.Nonce + 1
		}
	}
}

// SetAccountNonce resets the expected nonce for a sender, dropping any
// pending transaction that became invalid. Called after a rollback.
func (p *Mempool) SetAccountNonce(sender common.Address, nonce uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.accNonces[sender] = nonce
	queue := p.bySender[sender]
	kept := queue[:0]
	next := nonce
	for _, ptx := range queue {
		if ptx.tx.Nonce == next {
			kept = append(kept, ptx)
			next++
		} else {
			delete(p.byHash, ptx.tx.Hash())
		}
	}
	if len(kept) == 0 {
		delete(p.bySender, sender)
	} else {
		p.bySender[sender] = kept
	}
}

// Len returns the number of pending transactions
func (p *Mempool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byHash)
}
