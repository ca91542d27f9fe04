package chain

import "fmt"

// Template is everything a miner needs to search for the next block.
type Template struct {
	PreviousHash string   `json:"previous_hash"`
	Transactions []string `json:"transactions"`
	Difficulty   int      `json:"difficulty"`
	Timestamp    int64    `json:"timestamp"`
	BlockNumber  int      `json:"block_number"`
}

// NewTemplate builds a template on top of the chain's current tip. The
// transactions are carried in their JSON text form.
func NewTemplate(c *Chain, txs []Tx, timestamp int64) (Template, error) {
	encoded := make([]string, len(txs))
	for i, tx := range txs {
		s, err := tx.Encode()
		if err != nil {
			return Template{}, fmt.Errorf("encoding tx %d: %w", i, err)
		}
		encoded[i] = s
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	tmpl := Template{
		PreviousHash: c.blocks[len(c.blocks)-1].Hash,
		Transactions: encoded,
		Difficulty:   c.difficulty,
		Timestamp:    timestamp,
		BlockNumber:  len(c.blocks),
	}

	return tmpl, nil
}

// Payload returns the block payload describing the template.
func (t Template) Payload() string {
	return fmt.Sprintf("Block %d with %d transactions", t.BlockNumber, len(t.Transactions))
}

// ToBlock constructs the block for the specified nonce.
func (t Template) ToBlock(nonce uint64) Block {
	return NewBlock(t.PreviousHash, t.Timestamp, nonce, t.Payload())
}
