package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/consensus"
	"github.com/starnet/blockchain/foundation/blockchain/wire"
)

// SignalStartMining starts a mining operation. If there is already a signal
// pending in the channel, just return since a mining operation will start.
func (c *Coordinator) SignalStartMining() {
	if !c.running.Load() {
		return
	}

	select {
	case c.startMining <- true:
	default:
	}
	c.evHandler("coordinator: SignalStartMining: mining signaled")
}

// SignalCancelMining signals the G executing the runMiningOperation function
// to stop immediately.
func (c *Coordinator) SignalCancelMining() {
	select {
	case c.cancelMining <- true:
	default:
	}
	c.evHandler("coordinator: SignalCancelMining: cancel mining signaled")
}

// CreateTemplate snapshots up to TxPerBlock pending transactions and the
// current tip into a block template.
func (c *Coordinator) CreateTemplate() (chain.Template, error) {
	txs := c.mempool.Take(c.cfg.TxPerBlock)
	return chain.NewTemplate(c.chain, txs, time.Now().UTC().Unix())
}

// MineBlock runs the proof of work race on a fresh template, appends the
// winning block and announces it to every peer. Consumed transactions stay
// in the mempool.
func (c *Coordinator) MineBlock(ctx context.Context) (chain.Block, error) {
	if !c.running.Load() {
		return chain.Block{}, ErrNotRunning
	}

	tmpl, err := c.CreateTemplate()
	if err != nil {
		return chain.Block{}, err
	}

	args := consensus.POWArgs{
		PreviousHash: tmpl.PreviousHash,
		Timestamp:    tmpl.Timestamp,
		Payload:      tmpl.Payload(),
		Difficulty:   tmpl.Difficulty,
		Workers:      c.cfg.Workers,
	}

	res, err := consensus.POW(ctx, args, consensus.EventHandler(c.evHandler))
	if err != nil {
		return chain.Block{}, err
	}

	if err := c.chain.AppendValidated(res.Block); err != nil {
		return chain.Block{}, fmt.Errorf("append mined block %d: %w", tmpl.BlockNumber, err)
	}
	c.powStats.Record(res)

	c.evHandler("coordinator: MineBlock: block[%d] appended: hash[%s] winner[%d] attempts[%d]", tmpl.BlockNumber, res.Block.ShortHash(16), res.Winner, res.Attempts)

	c.dropPeers(c.server.Broadcast(wire.NewBlock{Block: res.Block, MinerID: c.cfg.NodeID}))

	return res.Block, nil
}

// =============================================================================

// miningOperations handles mining.
func (c *Coordinator) miningOperations() {
	c.evHandler("coordinator: miningOperations: G started")
	defer c.evHandler("coordinator: miningOperations: G completed")

	for {
		select {
		case <-c.startMining:
			if c.running.Load() {
				c.runMiningOperation()
			}
		case <-c.shut:
			c.evHandler("coordinator: miningOperations: received shut signal")
			return
		}
	}
}

// runMiningOperation mines one block on the current tip.
func (c *Coordinator) runMiningOperation() {
	c.evHandler("coordinator: runMiningOperation: MINING: started")
	defer c.evHandler("coordinator: runMiningOperation: MINING: completed")

	// Drain the cancel mining channel before starting.
	select {
	case <-c.cancelMining:
		c.evHandler("coordinator: runMiningOperation: MINING: drained cancel channel")
	default:
	}

	// Create a context so mining can be cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Can't return from this function until these G's are complete.
	var wg sync.WaitGroup
	wg.Add(2)

	// This G exists to cancel the mining operation.
	go func() {
		defer func() {
			cancel()
			wg.Done()
		}()

		select {
		case <-c.cancelMining:
			c.evHandler("coordinator: runMiningOperation: MINING: CANCEL: requested")
		case <-c.shut:
		case <-ctx.Done():
		}
	}()

	// This G is performing the mining.
	go func() {
		defer func() {
			cancel()
			wg.Done()
		}()

		t := time.Now()
		_, err := c.MineBlock(ctx)
		duration := time.Since(t)

		c.evHandler("coordinator: runMiningOperation: MINING: mining duration[%v]", duration)

		if err != nil {
			switch {
			case ctx.Err() != nil:
				c.evHandler("coordinator: runMiningOperation: MINING: CANCEL: complete")
			default:
				c.evHandler("coordinator: runMiningOperation: MINING: ERROR: %s", err)
			}
		}
	}()

	// Wait for both G's to terminate.
	wg.Wait()
}
