package public

import (
	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/peer"
)

// newTx is what a client posts to create a transaction. The signature is
// derived by the coordinator.
type newTx struct {
	From   string `json:"from" validate:"required"`
	To     string `json:"to" validate:"required"`
	Amount uint64 `json:"amount"`
}

type chainView struct {
	Summary chain.Summary `json:"summary"`
	Blocks  []chain.Block `json:"blocks"`
}

type peerView struct {
	Count int         `json:"count"`
	Peers []peer.Info `json:"peers"`
}

type mempoolView struct {
	Count        int        `json:"count"`
	Transactions []chain.Tx `json:"transactions"`
}

type status struct {
	Status string `json:"status"`
}
