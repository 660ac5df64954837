package jffs2

import (
	"context"
	"fmt"

	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
)

// Iattr valid flags.
const (
	IattrMode uint32 = 1 << iota
	IattrUID
	IattrGID
	IattrSize
	IattrRdev
)

// Iattr describes an attribute change. Only fields named in Valid are
// applied.
type Iattr struct {
	Valid uint32
	Mode  uint32
	UID   uint16
	GID   uint16
	Size  uint32
	Rdev  uint32
}

// metadataNode builds a node without data describing the current
// attributes. The caller holds the inode lock.
func (in *Inode) metadataNode() *RawInode {
	ri := &RawInode{
		Header: Header{
			Magic:    Magic,
			NodeType: NodeTypeInode,
			Totlen:   RawInodeSize,
		},
		Ino:     in.ino,
		Version: in.NextVersion(),
		Mode:    in.Mode,
		UID:     in.UID,
		GID:     in.GID,
		Rdev:    in.Rdev,
		Isize:   in.Size,
		Atime:   in.Atime,
		Mtime:   in.Mtime,
		Ctime:   in.Ctime,
		Compr:   ComprNone,
		DataCRC: crc(nil),
	}
	ri.UpdateCRCs()
	return ri
}

// Setattr applies attr and records it in a new node. Growing a file writes
// a hole node covering the new range, shrinking it drops the data past the
// new end. It takes the inode lock itself.
func (e *Engine) Setattr(ctx context.Context, in *Inode, attr *Iattr) error {
	const op = "jffs2.Engine.Setattr"

	if err := e.ReserveSpace(ctx, RawInodeSize); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer e.CompleteReservation()

	in.Lock()
	defer in.Unlock()

	oldSize := in.Size
	sizeValid := attr.Valid&IattrSize != 0
	if sizeValid && IsDir(in.Mode) {
		return fmt.Errorf("%s: inode %d: %w", op, in.ino, kerrors.ErrIsDir)
	}

	mode, uid, gid, rdev := in.Mode, in.UID, in.GID, in.Rdev
	mtime, ctime := in.Mtime, in.Ctime
	restore := func() {
		in.Mode, in.UID, in.GID, in.Rdev = mode, uid, gid, rdev
		in.Size, in.Mtime, in.Ctime = oldSize, mtime, ctime
	}

	if attr.Valid&IattrMode != 0 {
		in.Mode = attr.Mode
	}
	if attr.Valid&IattrUID != 0 {
		in.UID = attr.UID
	}
	if attr.Valid&IattrGID != 0 {
		in.GID = attr.GID
	}
	if attr.Valid&IattrRdev != 0 {
		in.Rdev = attr.Rdev
	}
	if sizeValid {
		in.Size = attr.Size
	}
	now := e.now()
	in.Ctime = now
	if sizeValid {
		in.Mtime = now
	}

	ri := in.metadataNode()
	grow := sizeValid && attr.Size > oldSize
	if grow {
		ri.Offset = oldSize
		ri.Dsize = attr.Size - oldSize
		ri.Compr = ComprZero
		ri.UpdateCRCs()
	}

	fn, err := e.WriteDnode(ctx, in, ri, nil)
	if err != nil {
		restore()
		return fmt.Errorf("%s: %w", op, err)
	}

	if grow {
		if err := e.AddFullDnodeToInode(ctx, in, fn); err != nil {
			e.discard(ctx, fn)
			restore()
			return fmt.Errorf("%s: %w", op, err)
		}
		if in.Metadata != nil {
			e.discard(ctx, in.Metadata)
			in.Metadata = nil
		}
	} else {
		if in.Metadata != nil {
			e.discard(ctx, in.Metadata)
		}
		in.Metadata = fn
	}

	if sizeValid && attr.Size < oldSize {
		for _, old := range in.truncateFrags(attr.Size) {
			e.discard(ctx, old)
		}
	}

	in.updateBlocks()
	return nil
}
