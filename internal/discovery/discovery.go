// Package discovery decides which node a starting process should join.
package discovery

import "context"

// Resolver returns the bootstrap address for the node identified by self.
// An empty result means self is the bootstrap node and should wait for peers.
type Resolver interface {
	Resolve(ctx context.Context, self string) (string, error)
	Close() error
}

// StaticResolver returns a fixed, configured bootstrap address.
type StaticResolver struct {
	Bootstrap string
}

// Resolve implements Resolver.
func (s StaticResolver) Resolve(_ context.Context, self string) (string, error) {
	if s.Bootstrap == self {
		return "", nil
	}
	return s.Bootstrap, nil
}

// Close implements Resolver.
func (StaticResolver) Close() error {
	return nil
}
