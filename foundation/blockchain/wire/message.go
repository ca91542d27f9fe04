// Package wire defines the messages exchanged between the coordinator and
// the regular nodes and the framing used to put them on a stream.
package wire

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/peer"
)

// Set of message kinds carried in the envelope type field.
const (
	KindJoin              = "Join"
	KindPeerList          = "PeerList"
	KindRequestBlockchain = "RequestBlockchain"
	KindBlockchainSync    = "BlockchainSync"
	KindNewBlock          = "NewBlock"
	KindNewTransaction    = "NewTransaction"
	KindHeartbeat         = "Heartbeat"
	KindPong              = "Pong"
	KindMiningStart       = "MiningStart"
	KindMiningStop        = "MiningStop"
)

// Message is implemented by every value that can travel on the wire. The
// set is closed to the types declared in this package.
type Message interface {
	Kind() string
	message()
}

// Join must be the first frame a node sends after connecting.
type Join struct {
	NodeID    string `json:"node_id" validate:"required"`
	Address   string `json:"address" validate:"required"`
	Timestamp int64  `json:"timestamp"`
}

// PeerList carries the coordinator's view of the connected peers.
type PeerList struct {
	Peers []peer.Info `json:"peers"`
}

// RequestBlockchain asks the receiver for its full chain.
type RequestBlockchain struct {
	RequesterID string `json:"requester_id"`
}

// BlockchainSync carries a full chain snapshot.
type BlockchainSync struct {
	Chain []chain.Block `json:"chain"`
}

// NewBlock announces a freshly produced block.
type NewBlock struct {
	Block   chain.Block `json:"block"`
	MinerID string      `json:"miner_id"`
}

// NewTransaction relays a transaction in its JSON text form.
type NewTransaction struct {
	Transaction string `json:"transaction"`
	FromNode    string `json:"from_node"`
}

// Heartbeat keeps a node's registration alive.
type Heartbeat struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a heartbeat.
type Pong struct {
	NodeID string `json:"node_id"`
}

// MiningStart hands a block template to a miner.
type MiningStart struct {
	Template chain.Template `json:"template"`
}

// MiningStop tells a miner to abandon its current template.
type MiningStop struct{}

func (Join) Kind() string              { return KindJoin }
func (PeerList) Kind() string          { return KindPeerList }
func (RequestBlockchain) Kind() string { return KindRequestBlockchain }
func (BlockchainSync) Kind() string    { return KindBlockchainSync }
func (NewBlock) Kind() string          { return KindNewBlock }
func (NewTransaction) Kind() string    { return KindNewTransaction }
func (Heartbeat) Kind() string         { return KindHeartbeat }
func (Pong) Kind() string              { return KindPong }
func (MiningStart) Kind() string       { return KindMiningStart }
func (MiningStop) Kind() string        { return KindMiningStop }

func (Join) message()              {}
func (PeerList) message()          {}
func (RequestBlockchain) message() {}
func (BlockchainSync) message()    {}
func (NewBlock) message()          {}
func (NewTransaction) message()    {}
func (Heartbeat) message()         {}
func (Pong) message()              {}
func (MiningStart) message()       {}
func (MiningStop) message()        {}

// =============================================================================

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals the message into its JSON envelope.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message: %w", ErrSerialization)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %v: %w", msg.Kind(), err, ErrSerialization)
	}

	data, err := json.Marshal(envelope{Type: msg.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %v: %w", msg.Kind(), err, ErrSerialization)
	}

	return data, nil
}

// Decode unmarshals a JSON envelope into the concrete message it carries.
func Decode(data []byte) (Message, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("decode: not utf-8: %w", ErrInvalidMessage)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %v: %w", err, ErrInvalidMessage)
	}

	switch env.Type {
	case KindJoin:
		return decodePayload[Join](env.Payload)
	case KindPeerList:
		return decodePayload[PeerList](env.Payload)
	case KindRequestBlockchain:
		return decodePayload[RequestBlockchain](env.Payload)
	case KindBlockchainSync:
		return decodePayload[BlockchainSync](env.Payload)
	case KindNewBlock:
		return decodePayload[NewBlock](env.Payload)
	case KindNewTransaction:
		return decodePayload[NewTransaction](env.Payload)
	case KindHeartbeat:
		return decodePayload[Heartbeat](env.Payload)
	case KindPong:
		return decodePayload[Pong](env.Payload)
	case KindMiningStart:
		return decodePayload[MiningStart](env.Payload)
	case KindMiningStop:
		return MiningStop{}, nil
	}

	return nil, fmt.Errorf("decode: unknown type %q: %w", env.Type, ErrInvalidMessage)
}

func decodePayload[T Message](payload json.RawMessage) (Message, error) {
	var msg T
	if len(payload) == 0 {
		return nil, fmt.Errorf("decode %s: missing payload: %w", msg.Kind(), ErrInvalidMessage)
	}

	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", msg.Kind(), err, ErrInvalidMessage)
	}

	return msg, nil
}
