package core

// Frame is a raw serialized event ready for the wire.
type Frame []byte

// SocketID identifies one live connection. A user may hold several at once.
type SocketID string

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
