// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/starnet/blockchain/business/web/errs"
	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/coordinator"
	"github.com/starnet/blockchain/foundation/blockchain/mempool"
	"github.com/starnet/blockchain/foundation/events"
	"github.com/starnet/blockchain/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of coordinator endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	Coord *coordinator.Coordinator
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return nil
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// Peers returns the registered peers.
func (h Handlers) Peers(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	peers := h.Coord.Peers()

	resp := peerView{
		Count: len(peers),
		Peers: peers,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Chain returns the summary of the chain and every block in it.
func (h Handlers) Chain(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	resp := chainView{
		Summary: h.Coord.ChainSummary(),
		Blocks:  h.Coord.Blocks(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Mempool returns the set of pending transactions.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	txs := h.Coord.Mempool()

	resp := mempoolView{
		Count:        len(txs),
		Transactions: txs,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// ClearMempool drops every pending transaction.
func (h Handlers) ClearMempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	n := h.Coord.ClearMempool()

	resp := status{
		Status: fmt.Sprintf("cleared %d transactions", n),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// SubmitTransaction creates a transaction, adds it to the coordinator's
// mempool and relays it to every peer.
func (h Handlers) SubmitTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var ntx newTx
	if err := web.Decode(r, &ntx); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	tx := chain.NewTx(ntx.From, ntx.To, ntx.Amount)

	h.Log.Infow("submit tran", "traceid", web.GetTraceID(ctx), "from", tx.From, "to", tx.To, "amount", tx.Amount)

	if err := h.Coord.SubmitTransaction(tx); err != nil {
		switch {
		case errors.Is(err, mempool.ErrDuplicate):
			return errs.NewTrusted(err, http.StatusConflict)
		case errors.Is(err, mempool.ErrPoolFull):
			return errs.NewTrusted(err, http.StatusServiceUnavailable)
		}
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	return web.Respond(ctx, w, tx, http.StatusCreated)
}

// SignalMining asks the coordinator to mine a block from the mempool.
func (h Handlers) SignalMining(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if !h.Coord.Running() {
		return errs.NewTrusted(coordinator.ErrNotRunning, http.StatusServiceUnavailable)
	}

	h.Coord.SignalStartMining()

	resp := status{
		Status: "mining signaled",
	}

	return web.Respond(ctx, w, resp, http.StatusAccepted)
}

// Stats returns a snapshot of the coordinator.
func (h Handlers) Stats(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.Coord.Stats(), http.StatusOK)
}
