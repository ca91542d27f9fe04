package wire

import "errors"

// Set of errors returned by the networking layer. Callers match them with
// errors.Is since they are always wrapped with context.
var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrSendFailed       = errors.New("send failed")
	ErrReceiveFailed    = errors.New("receive failed")
	ErrPeerNotFound     = errors.New("peer not found")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrSerialization    = errors.New("serialization error")
)
