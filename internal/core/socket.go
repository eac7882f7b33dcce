package core

import "context"

// Close codes used when the gateway ends a connection.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseInternal         = 1011
	CloseTryAgainLater    = 1013
	CloseIdentityNotFound = 4001
)

// Socket is the client side of a connection. Read returns io.EOF once the
// peer has closed cleanly. Write is only ever called from one goroutine;
// Close and CloseNow may run concurrently with Read and Write and must make
// them return.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	// Close performs the closing handshake with code and reason.
	Close(code int, reason string) error
	// CloseNow drops the underlying connection without a handshake.
	CloseNow() error
}
