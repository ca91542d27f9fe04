package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/starnet/blockchain/foundation/blockchain/chain"
)

// ErrNoValidators is returned when there is no stake to select from.
var ErrNoValidators = errors.New("no validators with stake")

// Set of bounds for the simulated verification cost of a transaction.
const (
	minVerifyRounds = 1000
	maxVerifyRounds = 1500
)

// Validator represents a participant in the stake weighted race.
type Validator struct {
	ID      uint32 `json:"id"`
	Stake   uint64 `json:"stake"`
	Address string `json:"address"`
}

// NewValidator constructs a validator with its derived address.
func NewValidator(id uint32, stake uint64) Validator {
	return Validator{
		ID:      id,
		Stake:   stake,
		Address: fmt.Sprintf("validator_%d", id),
	}
}

// SelectValidator picks a validator with probability proportional to its
// stake. A nil rng uses the shared random source.
func SelectValidator(validators []Validator, rng *rand.Rand) (Validator, error) {
	var total uint64
	for _, v := range validators {
		total += v.Stake
	}

	if total == 0 {
		return Validator{}, ErrNoValidators
	}

	var draw uint64
	switch rng {
	case nil:
		draw = rand.Uint64N(total)
	default:
		draw = rng.Uint64N(total)
	}

	var cumulative uint64
	for _, v := range validators {
		cumulative += v.Stake
		if draw < cumulative {
			return v, nil
		}
	}

	return validators[0], nil
}

// VerifyTx performs the simulated verification of a transaction. The cost
// varies between calls so validators finish at different times.
func VerifyTx(tx chain.Tx) bool {
	rounds := minVerifyRounds + rand.IntN(maxVerifyRounds-minVerifyRounds)

	data := []byte(tx.From + tx.To + fmt.Sprint(tx.Amount))
	for range rounds {
		data = crypto.Keccak256(data)
	}

	return tx.Validate() == nil
}

// =============================================================================

// POSArgs holds everything the validators need to agree on a block.
type POSArgs struct {
	PreviousHash string
	Timestamp    int64
	BlockNumber  int
	Transactions []chain.Tx
	Validators   []Validator
}

// ValidationResult is what a single validator reports at the end of a race.
type ValidationResult struct {
	ValidatorID uint32        `json:"validator_id"`
	Validated   int           `json:"transactions_validated"`
	Elapsed     time.Duration `json:"elapsed"`
	Success     bool          `json:"success"`
}

// POSResult is the outcome of a race. The fastest validator is reported for
// statistics only; the block always comes from the proposer.
type POSResult struct {
	Block        chain.Block        `json:"block"`
	Proposer     Validator          `json:"proposer"`
	Fastest      uint32             `json:"fastest"`
	FastestFound bool               `json:"fastest_found"`
	Transactions int                `json:"transactions"`
	Results      []ValidationResult `json:"results"`
}

// POS selects the proposer by stake, then races every validator through the
// transaction list. The first validator to finish a clean pass claims the
// shared flag and every other validator abandons its work.
func POS(ctx context.Context, args POSArgs, rng *rand.Rand, ev EventHandler) (POSResult, error) {
	proposer, err := SelectValidator(args.Validators, rng)
	if err != nil {
		return POSResult{}, err
	}

	if err := ctx.Err(); err != nil {
		return POSResult{}, err
	}

	ev = handler(ev)
	ev("consensus: POS: VALIDATE: started: proposer[%d] stake[%d] txs[%d]", proposer.ID, proposer.Stake, len(args.Transactions))
	defer ev("consensus: POS: VALIDATE: completed")

	var ready atomic.Bool
	results := make([]ValidationResult, len(args.Validators))

	var wg sync.WaitGroup
	wg.Add(len(args.Validators))

	for i, v := range args.Validators {
		go func() {
			defer wg.Done()
			results[i] = validate(ctx, v.ID, args.Transactions, &ready)
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		ev("consensus: POS: VALIDATE: CANCEL: complete")
		return POSResult{}, err
	}

	res := POSResult{
		Proposer:     proposer,
		Transactions: len(args.Transactions),
		Results:      results,
	}

	for _, r := range results {
		if r.Success {
			res.Fastest = r.ValidatorID
			res.FastestFound = true
			ev("consensus: POS: VALIDATE: fastest validator[%d] elapsed[%v]", r.ValidatorID, r.Elapsed)
		}
	}

	payload := fmt.Sprintf("Block %d proposed by validator %d with %d transactions", args.BlockNumber, proposer.ID, len(args.Transactions))
	res.Block = chain.NewBlock(args.PreviousHash, args.Timestamp, uint64(proposer.ID), payload)

	ev("consensus: POS: VALIDATE: PROPOSED: validator[%d] hash[%s]", proposer.ID, res.Block.ShortHash(16))

	return res, nil
}

// validate runs one validator's pass over the transactions.
func validate(ctx context.Context, id uint32, txs []chain.Tx, ready *atomic.Bool) ValidationResult {
	start := time.Now()
	res := ValidationResult{ValidatorID: id}

	if ready.Load() {
		res.Elapsed = time.Since(start)
		return res
	}

	for _, tx := range txs {
		if ready.Load() || ctx.Err() != nil {
			res.Elapsed = time.Since(start)
			return res
		}

		if !VerifyTx(tx) {
			res.Elapsed = time.Since(start)
			return res
		}
		res.Validated++
	}

	res.Elapsed = time.Since(start)
	res.Success = ready.CompareAndSwap(false, true)

	return res
}

// =============================================================================

// ValidatorTotals aggregates a validator's results across races.
type ValidatorTotals struct {
	ValidatorID     uint32        `json:"validator_id"`
	Stake           uint64        `json:"stake"`
	TimesSelected   int           `json:"times_selected"`
	TimesFastest    int           `json:"times_fastest"`
	BlocksValidated int           `json:"blocks_validated"`
	ValidationTime  time.Duration `json:"total_validation_time"`
}

// POSStats accumulates race results for reporting.
type POSStats struct {
	mu         sync.Mutex
	blocks     int
	txs        int
	validators map[uint32]*ValidatorTotals
}

// NewPOSStats constructs statistics for the specified validator set.
func NewPOSStats(validators []Validator) *POSStats {
	s := POSStats{
		validators: make(map[uint32]*ValidatorTotals, len(validators)),
	}

	for _, v := range validators {
		s.validators[v.ID] = &ValidatorTotals{ValidatorID: v.ID, Stake: v.Stake}
	}

	return &s
}

// Record adds the result of one race.
func (s *POSStats) Record(res POSResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks++
	s.txs += res.Transactions

	s.totals(res.Proposer.ID).TimesSelected++

	for _, r := range res.Results {
		vt := s.totals(r.ValidatorID)
		vt.BlocksValidated++
		vt.ValidationTime += r.Elapsed
		if r.Success {
			vt.TimesFastest++
		}
	}
}

// Blocks returns the number of races recorded.
func (s *POSStats) Blocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blocks
}

// Transactions returns the total number of transactions processed.
func (s *POSStats) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txs
}

// Validators returns the per validator totals ordered by validator id.
func (s *POSStats) Validators() []ValidatorTotals {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ValidatorTotals, 0, len(s.validators))
	for _, vt := range s.validators {
		out = append(out, *vt)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ValidatorID < out[j].ValidatorID
	})

	return out
}

func (s *POSStats) totals(id uint32) *ValidatorTotals {
	vt, exists := s.validators[id]
	if !exists {
		vt = &ValidatorTotals{ValidatorID: id}
		s.validators[id] = vt
	}
	return vt
}
