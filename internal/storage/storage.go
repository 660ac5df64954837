// Package storage defines the append-only node log the jffs2 engine writes
// its nodes to. A backend only stores opaque node images; checksums, node
// types and replay are the engine's business.
package storage

import (
	"context"
	"errors"
)

// Ref is the position of a node in the log. Refs are positive and grow
// monotonically with every append.
type Ref int64

var ErrNodeNotFound = errors.New("storage: node not found")

type NodeStore interface {
	// Append writes raw at the head of the log.
	Append(ctx context.Context, raw []byte) (Ref, error)
	// Get returns the node image stored at ref. Obsolete nodes remain
	// readable until the backend reclaims them.
	Get(ctx context.Context, ref Ref) ([]byte, error)
	// MarkObsolete flags the node as superseded. Scan skips it afterwards.
	MarkObsolete(ctx context.Context, ref Ref) error
	// Scan visits every live node in log order.
	Scan(ctx context.Context, fn func(ref Ref, raw []byte) error) error
	Close() error
}
