package consensus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starnet/blockchain/foundation/blockchain/chain"
)

// ErrInvalidWorkers is returned when a race is started with no workers.
var ErrInvalidWorkers = errors.New("at least one worker is required")

// POWArgs holds everything the workers need to search for a block.
type POWArgs struct {
	PreviousHash string
	Timestamp    int64
	Payload      string
	Difficulty   int
	Workers      int
}

// WorkerResult is what a single worker reports at the end of a race.
type WorkerResult struct {
	WorkerID int           `json:"worker_id"`
	Attempts uint64        `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
	Found    bool          `json:"found"`
}

// POWResult is the outcome of a race.
type POWResult struct {
	Block    chain.Block    `json:"block"`
	Winner   int            `json:"winner"`
	Attempts uint64         `json:"attempts"`
	Elapsed  time.Duration  `json:"elapsed"`
	Workers  []WorkerResult `json:"workers"`
}

// POW races the configured number of workers to find a nonce that makes the
// block hash meet the difficulty. Worker w tries nonces w, w+W, w+2W and so
// on, so the winning nonce modulo W identifies the winner. The first worker
// to claim the shared flag wins and every other worker abandons its search.
// Cancelling the context claims the same flag and no block is returned.
func POW(ctx context.Context, args POWArgs, ev EventHandler) (POWResult, error) {
	if args.Workers < 1 {
		return POWResult{}, ErrInvalidWorkers
	}

	if err := ctx.Err(); err != nil {
		return POWResult{}, err
	}

	ev = handler(ev)
	ev("consensus: POW: MINING: started: workers[%d] difficulty[%d]", args.Workers, args.Difficulty)
	defer ev("consensus: POW: MINING: completed")

	var found atomic.Bool
	var block chain.Block
	winner := -1

	start := time.Now()
	results := make([]WorkerResult, args.Workers)
	step := uint64(args.Workers)

	// This G exists to cancel the race.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if found.CompareAndSwap(false, true) {
				ev("consensus: POW: MINING: CANCEL: requested")
			}
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(args.Workers)

	for w := range args.Workers {
		go func() {
			defer wg.Done()

			t := time.Now()
			nonce := uint64(w)

			var attempts uint64
			for {
				b := chain.NewBlock(args.PreviousHash, args.Timestamp, nonce, args.Payload)
				attempts++

				if found.Load() {
					break
				}

				if b.MeetsDifficulty(args.Difficulty) {
					if found.CompareAndSwap(false, true) {
						block = b
						winner = w
						results[w].Found = true
					}
					break
				}

				nonce += step
			}

			results[w].WorkerID = w
			results[w].Attempts = attempts
			results[w].Elapsed = time.Since(t)
		}()
	}

	wg.Wait()
	close(done)

	if winner < 0 {
		ev("consensus: POW: MINING: CANCEL: complete")
		return POWResult{}, ctx.Err()
	}

	res := POWResult{
		Block:   block,
		Winner:  winner,
		Elapsed: time.Since(start),
		Workers: results,
	}
	for _, r := range results {
		res.Attempts += r.Attempts
	}

	ev("consensus: POW: MINING: SOLVED: worker[%d] nonce[%d] hash[%s] attempts[%d]", winner, block.Nonce, block.ShortHash(16), res.Attempts)

	return res, nil
}

// =============================================================================

// WorkerTotals aggregates a worker's results across races.
type WorkerTotals struct {
	WorkerID    int           `json:"worker_id"`
	Attempts    uint64        `json:"attempts"`
	BlocksFound int           `json:"blocks_found"`
	Elapsed     time.Duration `json:"elapsed"`
}

// POWStats accumulates race results for reporting.
type POWStats struct {
	mu       sync.Mutex
	blocks   int
	attempts uint64
	elapsed  time.Duration
	workers  map[int]*WorkerTotals
}

// NewPOWStats constructs an empty set of statistics.
func NewPOWStats() *POWStats {
	return &POWStats{
		workers: make(map[int]*WorkerTotals),
	}
}

// Record adds the result of one race.
func (s *POWStats) Record(res POWResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks++
	s.attempts += res.Attempts
	s.elapsed += res.Elapsed

	for _, r := range res.Workers {
		wt, exists := s.workers[r.WorkerID]
		if !exists {
			wt = &WorkerTotals{WorkerID: r.WorkerID}
			s.workers[r.WorkerID] = wt
		}

		wt.Attempts += r.Attempts
		wt.Elapsed += r.Elapsed
		if r.Found {
			wt.BlocksFound++
		}
	}
}

// Blocks returns the number of races recorded.
func (s *POWStats) Blocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blocks
}

// Attempts returns the total number of hashes computed.
func (s *POWStats) Attempts() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempts
}

// HashRate returns the attempts per second across every recorded race.
func (s *POWStats) HashRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.elapsed <= 0 {
		return 0
	}
	return float64(s.attempts) / s.elapsed.Seconds()
}

// Workers returns the per worker totals ordered by worker id.
func (s *POWStats) Workers() []WorkerTotals {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerTotals, 0, len(s.workers))
	for _, wt := range s.workers {
		out = append(out, *wt)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].WorkerID < out[j].WorkerID
	})

	return out
}
