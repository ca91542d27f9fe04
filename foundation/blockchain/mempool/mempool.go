// Package mempool maintains the mempool for the blockchain.
package mempool

import (
	"errors"
	"sync"

	"github.com/starnet/blockchain/foundation/blockchain/chain"
)

// DefaultCapacity is the number of pending transactions a pool holds when
// no capacity is configured.
const DefaultCapacity = 1000

// Set of errors returned by Add.
var (
	ErrPoolFull  = errors.New("pool full")
	ErrDuplicate = errors.New("duplicate")
)

// =============================================================================

// Mempool represents a bounded cache of pending transactions kept in
// insertion order with a second key on the transaction signature.
type Mempool struct {
	mu       sync.RWMutex
	pending  []chain.Tx
	seen     map[string]struct{}
	capacity int
}

// New constructs a new mempool holding up to capacity transactions.
func New(capacity int) *Mempool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Mempool{
		seen:     make(map[string]struct{}),
		capacity: capacity,
	}
}

// Capacity returns the maximum number of pending transactions.
func (mp *Mempool) Capacity() int {
	return mp.capacity
}

// Count returns the current number of transaction in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pending)
}

// Add inserts the transaction at the back of the pool. A full pool is checked
// before the signature, so a full pool rejects even a duplicate as full.
func (mp *Mempool) Add(tx chain.Tx) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if len(mp.pending) >= mp.capacity {
		return ErrPoolFull
	}

	if _, exists := mp.seen[tx.Signature]; exists {
		return ErrDuplicate
	}

	mp.seen[tx.Signature] = struct{}{}
	mp.pending = append(mp.pending, tx)

	return nil
}

// Take returns up to howMany of the oldest transactions without removing
// them from the pool.
func (mp *Mempool) Take(howMany int) []chain.Tx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if howMany < 0 || howMany > len(mp.pending) {
		howMany = len(mp.pending)
	}

	txs := make([]chain.Tx, howMany)
	copy(txs, mp.pending[:howMany])
	return txs
}

// Copy returns every pending transaction in insertion order.
func (mp *Mempool) Copy() []chain.Tx {
	return mp.Take(-1)
}

// Remove deletes the transactions matching the signatures of the specified
// set and forgets those signatures. It returns the number removed.
func (mp *Mempool) Remove(txs []chain.Tx) int {
	remove := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		remove[tx.Signature] = struct{}{}
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	kept := mp.pending[:0]
	for _, tx := range mp.pending {
		if _, exists := remove[tx.Signature]; exists {
			continue
		}
		kept = append(kept, tx)
	}

	removed := len(mp.pending) - len(kept)
	clear(mp.pending[len(kept):])
	mp.pending = kept

	for sig := range remove {
		delete(mp.seen, sig)
	}

	return removed
}

// Truncate clears all the transactions from the pool and returns how many
// were dropped.
func (mp *Mempool) Truncate() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	n := len(mp.pending)
	mp.pending = nil
	mp.seen = make(map[string]struct{})

	return n
}
