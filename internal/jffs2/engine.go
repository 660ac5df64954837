// Package jffs2 is a log-structured filesystem engine modelled on jffs2.
// Every change is appended to a node log as a checksummed inode or
// directory-entry node; the in-core state is rebuilt from the live nodes on
// mount.
package jffs2

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
	"github.com/S1riyS/jffs2-server/internal/storage"
	"github.com/S1riyS/jffs2-server/pkg/logging"
	"github.com/S1riyS/jffs2-server/pkg/logging/slogext"
	"github.com/jacobsa/timeutil"
)

const (
	RootIno uint32 = 1

	// PageSize bounds the payload of a single data node.
	PageSize = 4096

	maxNameLen = 255
)

type Options struct {
	// Capacity is the number of bytes the log may hold.
	Capacity    uint64
	Compression uint8
	Clock       timeutil.Clock
}

// Engine owns the inode cache and the node log.
//
// Lock ordering: allocMu, then inode locks (parent before child), then mu.
type Engine struct {
	store    storage.NodeStore
	clock    timeutil.Clock
	compr    uint8
	capacity uint64

	// Held from ReserveSpace until CompleteReservation.
	allocMu sync.Mutex

	mu       sync.Mutex
	inodes   map[uint32]*Inode // GUARDED_BY(mu)
	nextIno  uint32            // GUARDED_BY(mu)
	used     uint64            // GUARDED_BY(mu)
	reserved uint64            // GUARDED_BY(mu)
}

func newEngine(store storage.NodeStore, opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	return &Engine{
		store:    store,
		clock:    clock,
		compr:    opts.Compression,
		capacity: opts.Capacity,
		inodes:   make(map[uint32]*Inode),
		nextIno:  RootIno + 1,
	}
}

func (e *Engine) now() uint32 {
	return uint32(e.clock.Now().Unix())
}

// Statfs reports the bytes held by live nodes and the log capacity.
func (e *Engine) Statfs() (used, capacity uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used, e.capacity
}

// Iget returns a referenced inode. The reference must be dropped with Iput.
func (e *Engine) Iget(ctx context.Context, ino uint32) (*Inode, error) {
	const op = "jffs2.Engine.Iget"

	e.mu.Lock()
	defer e.mu.Unlock()

	in, ok := e.inodes[ino]
	if !ok {
		return nil, fmt.Errorf("%s: inode %d: %w", op, ino, kerrors.ErrNotFound)
	}
	in.count++
	return in, nil
}

// Iput drops a reference. An inode without links is evicted together with
// its nodes once the last reference is gone.
func (e *Engine) Iput(ctx context.Context, in *Inode) {
	const op = "jffs2.Engine.Iput"

	e.mu.Lock()
	in.count--
	if in.count < 0 {
		e.mu.Unlock()
		panic(fmt.Sprintf("inode %d: reference count dropped below zero", in.ino))
	}
	evict := in.count == 0 && in.nlink == 0 && in.ino != RootIno
	if evict {
		delete(e.inodes, in.ino)
	}
	e.mu.Unlock()

	if !evict {
		return
	}

	in.Lock()
	nodes := in.nodes()
	in.Metadata = nil
	in.frags = nil
	in.Unlock()

	for _, fn := range nodes {
		if err := e.MarkNodeObsolete(ctx, fn.Raw); err != nil {
			logger := logging.GetLoggerFromContextWithOp(ctx, op)
			logger.Error("Failed to obsolete node of evicted inode", slogext.Err(err), slog.Int64("ino", int64(in.ino)))
		}
	}
}

// Parent returns the inode number of the directory the inode was last
// linked into.
func (e *Engine) Parent(in *Inode) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return in.parent
}

func (e *Engine) Nlink(in *Inode) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return in.nlink
}

// ReserveSpace blocks other writers until CompleteReservation and
// guarantees that n bytes of nodes can be written meanwhile.
func (e *Engine) ReserveSpace(ctx context.Context, n uint32) error {
	const op = "jffs2.Engine.ReserveSpace"

	e.allocMu.Lock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.used+uint64(n) > e.capacity {
		e.allocMu.Unlock()
		return fmt.Errorf("%s: %d bytes requested, %d of %d used: %w", op, n, e.used, e.capacity, kerrors.ErrNoSpace)
	}
	e.reserved = uint64(n)
	return nil
}

// CompleteReservation returns whatever part of the reservation was not
// written and lets the next writer in.
func (e *Engine) CompleteReservation() {
	e.mu.Lock()
	e.reserved = 0
	e.mu.Unlock()

	e.allocMu.Unlock()
}

// appendNode writes raw to the log out of the current reservation.
func (e *Engine) appendNode(ctx context.Context, raw []byte) (NodeRef, error) {
	n := uint64(len(raw))

	e.mu.Lock()
	if n > e.reserved {
		e.mu.Unlock()
		return NodeRef{}, fmt.Errorf("node of %d bytes exceeds reservation of %d: %w", n, e.reserved, kerrors.ErrNoSpace)
	}
	e.mu.Unlock()

	ref, err := e.store.Append(ctx, raw)
	if err != nil {
		return NodeRef{}, fmt.Errorf("append node: %v: %w", err, kerrors.ErrIO)
	}

	e.mu.Lock()
	e.reserved -= n
	e.used += n
	e.mu.Unlock()

	return NodeRef{Ref: ref, Len: uint32(n)}, nil
}

// WriteDnode commits an inode node prepared by the caller, whose CRCs must
// already be valid. The caller holds a reservation and the inode lock.
func (e *Engine) WriteDnode(ctx context.Context, in *Inode, ri *RawInode, data []byte) (*FullDnode, error) {
	const op = "jffs2.Engine.WriteDnode"

	if ri.Ino != in.ino {
		return nil, fmt.Errorf("%s: node for inode %d written to inode %d: %w", op, ri.Ino, in.ino, kerrors.ErrInvalid)
	}
	if ri.Csize != uint32(len(data)) || ri.Totlen != RawInodeSize+ri.Csize {
		return nil, fmt.Errorf("%s: inconsistent node lengths: %w", op, kerrors.ErrInvalid)
	}
	if err := ri.checkCRCs(); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, kerrors.ErrIO)
	}
	if crc(data) != ri.DataCRC {
		return nil, fmt.Errorf("%s: data crc mismatch: %w", op, kerrors.ErrIO)
	}

	raw, err := e.appendNode(ctx, marshalInode(ri, data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if ri.Version > in.highestVersion {
		in.highestVersion = ri.Version
	}

	return &FullDnode{
		Raw:     raw,
		Ofs:     ri.Offset,
		Size:    ri.Dsize,
		Compr:   ri.Compr,
		Version: ri.Version,
	}, nil
}

// AddFullDnodeToInode maps a data or hole node into the inode's fragment
// list. Nodes it fully shadows are obsoleted. The caller holds the inode
// lock.
func (e *Engine) AddFullDnodeToInode(ctx context.Context, in *Inode, fn *FullDnode) error {
	const op = "jffs2.Engine.AddFullDnodeToInode"

	if fn.Size == 0 {
		return fmt.Errorf("%s: metadata node has no range: %w", op, kerrors.ErrInvalid)
	}
	if IsDir(in.Mode) {
		return fmt.Errorf("%s: inode %d: %w", op, in.ino, kerrors.ErrIsDir)
	}

	for _, old := range in.addFrag(fn) {
		e.discard(ctx, old)
	}
	return nil
}

// MarkNodeObsolete flags the node in the log and releases its space.
func (e *Engine) MarkNodeObsolete(ctx context.Context, raw NodeRef) error {
	if err := e.store.MarkObsolete(ctx, raw.Ref); err != nil {
		return fmt.Errorf("obsolete node %d: %v: %w", raw.Ref, err, kerrors.ErrIO)
	}

	e.mu.Lock()
	e.used -= uint64(raw.Len)
	e.mu.Unlock()
	return nil
}

// FreeFullDnode releases the in-memory handle. The node must not be used
// afterwards.
func (e *Engine) FreeFullDnode(fn *FullDnode) {
	if fn.freed {
		panic(fmt.Sprintf("node %d freed twice", fn.Raw.Ref))
	}
	fn.freed = true
}

func (e *Engine) discard(ctx context.Context, fn *FullDnode) {
	const op = "jffs2.Engine.discard"

	if err := e.MarkNodeObsolete(ctx, fn.Raw); err != nil {
		logger := logging.GetLoggerFromContextWithOp(ctx, op)
		logger.Error("Failed to obsolete node", slogext.Err(err), slog.Int64("ref", int64(fn.Raw.Ref)))
	}
	e.FreeFullDnode(fn)
}

// ReadInodeRange fills buf with the file contents at offset. Fragments are
// applied in version order, so a hole zeroes any older data under it and
// ranges no fragment covers read as zeros. The caller holds the inode lock.
func (e *Engine) ReadInodeRange(ctx context.Context, in *Inode, buf []byte, offset uint32) error {
	const op = "jffs2.Engine.ReadInodeRange"

	clear(buf)
	end := offset + uint32(len(buf))

	for _, f := range in.frags {
		lo := max(f.ofs, offset)
		hi := min(f.end(), end)
		if lo >= hi {
			continue
		}
		if f.node.Compr == ComprZero {
			clear(buf[lo-offset : hi-offset])
			continue
		}

		data, err := e.readNode(ctx, f.node)
		if err != nil {
			return fmt.Errorf("%s: inode %d: %w", op, in.ino, err)
		}
		copy(buf[lo-offset:hi-offset], data[lo-f.node.Ofs:hi-f.node.Ofs])
	}

	return nil
}

func (e *Engine) readNode(ctx context.Context, fn *FullDnode) ([]byte, error) {
	raw, err := e.store.Get(ctx, fn.Raw.Ref)
	if err != nil {
		return nil, fmt.Errorf("read node %d: %v: %w", fn.Raw.Ref, err, kerrors.ErrIO)
	}

	ri, payload, err := unmarshalInode(raw)
	if err != nil {
		return nil, fmt.Errorf("node %d: %v: %w", fn.Raw.Ref, err, kerrors.ErrIO)
	}

	data, err := decompress(ri.Compr, payload, ri.Dsize)
	if err != nil {
		return nil, fmt.Errorf("node %d: %v: %w", fn.Raw.Ref, err, kerrors.ErrIO)
	}
	return data, nil
}

// WriteInodeRange writes data at offset as a series of data nodes, at most
// one page each, and returns the number of bytes committed. Node attributes
// are taken from ri. It takes the inode lock itself and does not change the
// inode size.
func (e *Engine) WriteInodeRange(ctx context.Context, in *Inode, ri *RawInode, data []byte, offset uint32) (uint32, error) {
	const op = "jffs2.Engine.WriteInodeRange"

	var written uint32
	for written < uint32(len(data)) {
		pos := offset + written
		chunk := min(PageSize-pos%PageSize, uint32(len(data))-written)
		buf := data[written : written+chunk]

		if err := e.ReserveSpace(ctx, RawInodeSize+chunk); err != nil {
			return written, fmt.Errorf("%s: %w", op, err)
		}

		err := e.writeChunk(ctx, in, ri, buf, pos)
		e.CompleteReservation()
		if err != nil {
			return written, fmt.Errorf("%s: %w", op, err)
		}

		written += chunk
	}

	return written, nil
}

func (e *Engine) writeChunk(ctx context.Context, in *Inode, ri *RawInode, buf []byte, pos uint32) error {
	in.Lock()
	defer in.Unlock()

	compr, payload := compress(e.compr, buf)

	node := *ri
	node.Magic = Magic
	node.NodeType = NodeTypeInode
	node.Totlen = RawInodeSize + uint32(len(payload))
	node.Ino = in.ino
	node.Version = in.NextVersion()
	node.Isize = max(ri.Isize, pos+uint32(len(buf)))
	node.Offset = pos
	node.Csize = uint32(len(payload))
	node.Dsize = uint32(len(buf))
	node.Compr = compr
	node.DataCRC = crc(payload)
	node.UpdateCRCs()

	fn, err := e.WriteDnode(ctx, in, &node, payload)
	if err != nil {
		return err
	}

	if err := e.AddFullDnodeToInode(ctx, in, fn); err != nil {
		e.discard(ctx, fn)
		return err
	}

	if in.Metadata != nil {
		e.discard(ctx, in.Metadata)
		in.Metadata = nil
	}

	return nil
}
