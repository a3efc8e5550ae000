package chord

import (
	"context"

	"github.com/zde37/simpledht/internal/wire"
)

// RemoteClient defines how a node reaches its peers. It lets the node send
// messages without depending on the transport layer.
type RemoteClient interface {
	// Send delivers one message and does not wait for any reply.
	Send(ctx context.Context, address string, msg *wire.Message) error

	// Request delivers one message and blocks until the peer's reply arrives.
	Request(ctx context.Context, address string, msg *wire.Message) (*wire.Message, error)
}
