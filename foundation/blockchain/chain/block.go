package chain

import (
	"crypto/sha256"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// GenesisPrevHash is the previous hash recorded on the genesis block.
const GenesisPrevHash = "0"

// GenesisPayload is the payload recorded on the genesis block.
const GenesisPayload = "Genesis Block"

// =============================================================================

// Block represents a single link in the chain. A block is never mutated once
// its hash has been computed.
type Block struct {
	PreviousHash string `json:"previous_hash"` // Hash of the block this one extends.
	Timestamp    int64  `json:"timestamp"`     // Unix seconds the block was built.
	Nonce        uint64 `json:"nonce"`         // POW search value, or proposer id for POS.
	Payload      string `json:"payload"`       // Description of the transactions carried.
	Hash         string `json:"hash"`          // Hash over the four fields above.
}

// NewBlock constructs a block and computes its hash.
func NewBlock(previousHash string, timestamp int64, nonce uint64, payload string) Block {
	return Block{
		PreviousHash: previousHash,
		Timestamp:    timestamp,
		Nonce:        nonce,
		Payload:      payload,
		Hash:         Hash(previousHash, timestamp, nonce, payload),
	}
}

// Hash returns the lowercase hex SHA-256 of the concatenated block fields.
// This is the only place the block hash function is defined.
func Hash(previousHash string, timestamp int64, nonce uint64, payload string) string {
	var b strings.Builder
	b.Grow(len(previousHash) + len(payload) + 40)

	b.WriteString(previousHash)
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteString(strconv.FormatUint(nonce, 10))
	b.WriteString(payload)

	sum := sha256.Sum256([]byte(b.String()))
	return common.Bytes2Hex(sum[:])
}

// CalculateHash recomputes the hash from the block's current fields.
func (b Block) CalculateHash() string {
	return Hash(b.PreviousHash, b.Timestamp, b.Nonce, b.Payload)
}

// IsValid reports whether the stored hash matches a recomputed hash.
func (b Block) IsValid() bool {
	return b.Hash == b.CalculateHash()
}

// MeetsDifficulty reports whether the block hash starts with difficulty
// zero characters. A difficulty of zero is always met.
func (b Block) MeetsDifficulty(difficulty int) bool {
	return MeetsDifficulty(b.Hash, difficulty)
}

// ShortHash returns the first n characters of the hash for display.
func (b Block) ShortHash(n int) string {
	if n > len(b.Hash) {
		return b.Hash
	}
	return b.Hash[:n]
}

// MeetsDifficulty checks the hash to make sure it complies with the POW
// rules. We need to match a difficulty number of leading 0's.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}

	if len(hash) < difficulty {
		return false
	}

	for i := range difficulty {
		if hash[i] != '0' {
			return false
		}
	}

	return true
}
