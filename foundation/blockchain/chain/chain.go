// Package chain maintains the ordered list of blocks and the rules a block
// must follow to be linked onto it.
package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Set of errors returned when a block fails validation.
var (
	ErrInvalidHash = errors.New("block hash does not match its contents")
	ErrDifficulty  = errors.New("block hash does not meet difficulty")
	ErrLinkage     = errors.New("block does not link to the previous block")
	ErrEmptyChain  = errors.New("chain must contain at least the genesis block")
)

// =============================================================================

// Chain is an append-only list of blocks that always holds at least the
// genesis block.
type Chain struct {
	mu         sync.RWMutex
	blocks     []Block
	difficulty int
}

// New constructs a chain seeded with a genesis block stamped with the
// current time.
func New(difficulty int) *Chain {
	genesis := NewBlock(GenesisPrevHash, time.Now().UTC().Unix(), 0, GenesisPayload)
	return NewWithGenesis(difficulty, genesis)
}

// NewWithGenesis constructs a chain seeded with the specified genesis block.
func NewWithGenesis(difficulty int, genesis Block) *Chain {
	if difficulty < 0 {
		difficulty = 0
	}

	return &Chain{
		blocks:     []Block{genesis},
		difficulty: difficulty,
	}
}

// Difficulty returns the number of leading zeros a block hash needs.
func (c *Chain) Difficulty() int {
	return c.difficulty
}

// Len returns the number of blocks including genesis.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.blocks)
}

// Tip returns the latest block.
func (c *Chain) Tip() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.blocks[len(c.blocks)-1]
}

// Genesis returns the first block.
func (c *Chain) Genesis() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.blocks[0]
}

// Blocks returns a copy of the blocks.
func (c *Chain) Blocks() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blocks := make([]Block, len(c.blocks))
	copy(blocks, c.blocks)
	return blocks
}

// Append pushes the block without validating it. Callers are responsible for
// running ValidateCandidate first.
func (c *Chain) Append(block Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blocks = append(c.blocks, block)
}

// AppendValidated validates the block against the current tip and appends
// it, all under the same lock.
func (c *Chain) AppendValidated(block Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateNext(c.blocks[len(c.blocks)-1], block, c.difficulty); err != nil {
		return err
	}

	c.blocks = append(c.blocks, block)
	return nil
}

// Replace overwrites the chain wholesale. No merge is attempted.
func (c *Chain) Replace(blocks []Block) error {
	if len(blocks) == 0 {
		return ErrEmptyChain
	}

	cp := make([]Block, len(blocks))
	copy(cp, blocks)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.blocks = cp
	return nil
}

// ValidateCandidate checks the block could be appended to the current tip.
func (c *Chain) ValidateCandidate(block Block) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return validateNext(c.blocks[len(c.blocks)-1], block, c.difficulty)
}

// ValidateFull walks every non-genesis block checking its hash, its link to
// the previous block and the difficulty. It is used for diagnostics.
func (c *Chain) ValidateFull() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := 1; i < len(c.blocks); i++ {
		if err := validateNext(c.blocks[i-1], c.blocks[i], c.difficulty); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}

	return nil
}

// IsValid reports whether ValidateFull passes.
func (c *Chain) IsValid() bool {
	return c.ValidateFull() == nil
}

// Summary is a display snapshot of the chain.
type Summary struct {
	Length          int    `json:"length"`
	Difficulty      int    `json:"difficulty"`
	GenesisHash     string `json:"genesis_hash"`
	LatestHash      string `json:"latest_hash"`
	LatestTimestamp int64  `json:"latest_timestamp"`
	Valid           bool   `json:"valid"`
}

// Summary returns a display snapshot of the chain.
func (c *Chain) Summary() Summary {
	valid := c.IsValid()

	c.mu.RLock()
	defer c.mu.RUnlock()

	tip := c.blocks[len(c.blocks)-1]

	return Summary{
		Length:          len(c.blocks),
		Difficulty:      c.difficulty,
		GenesisHash:     c.blocks[0].Hash,
		LatestHash:      tip.Hash,
		LatestTimestamp: tip.Timestamp,
		Valid:           valid,
	}
}

// =============================================================================

// validateNext checks the block is internally valid, meets difficulty and
// links to the previous block.
func validateNext(prev Block, block Block, difficulty int) error {
	if !block.IsValid() {
		return fmt.Errorf("%w: got %s", ErrInvalidHash, block.Hash)
	}

	if !block.MeetsDifficulty(difficulty) {
		return fmt.Errorf("%w: %d zeros required, hash %s", ErrDifficulty, difficulty, block.Hash)
	}

	if block.PreviousHash != prev.Hash {
		return fmt.Errorf("%w: got %s, exp %s", ErrLinkage, block.PreviousHash, prev.Hash)
	}

	return nil
}
