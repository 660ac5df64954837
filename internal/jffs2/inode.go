package jffs2

import (
	"fmt"

	"github.com/S1riyS/jffs2-server/internal/storage"
	"github.com/jacobsa/syncutil"
)

// NodeRef locates a node in the log together with its length, which is the
// amount of space it occupies.
type NodeRef struct {
	Ref storage.Ref
	Len uint32
}

// FullDnode is the in-memory handle of a committed inode node. Size == 0
// means the node only carries metadata.
type FullDnode struct {
	Raw     NodeRef
	Ofs     uint32
	Size    uint32
	Compr   uint8
	Version uint32

	freed bool
}

// frag maps the window [ofs, ofs+size) of the file onto node. The window is
// always inside the range the node was written for.
type frag struct {
	ofs  uint32
	size uint32
	node *FullDnode
}

func (f *frag) end() uint32 { return f.ofs + f.size }

type dentry struct {
	name    string
	ino     uint32
	typ     uint8
	version uint32
	raw     NodeRef
}

// DirEntry is a child of a directory as returned by Readdir.
type DirEntry struct {
	Name string
	Ino  uint32
	Type uint8
}

// Inode is the engine's in-core inode. The exported fields are guarded by
// the inode lock; callers must hold it to read or change them.
type Inode struct {
	ino uint32

	// GUARDED_BY(Engine.mu)
	count  int
	nlink  uint32
	parent uint32

	mu syncutil.InvariantMutex

	Mode   uint32
	UID    uint16
	GID    uint16
	Rdev   uint32
	Size   uint32
	Blocks uint32
	Atime  uint32
	Mtime  uint32
	Ctime  uint32

	// Metadata is the latest node without data, if it is still the one
	// carrying the inode's attributes.
	//
	// INVARIANT: Metadata == nil || Metadata.Size == 0
	Metadata *FullDnode

	highestVersion uint32

	// Data fragments in version order; later fragments shadow earlier ones.
	//
	// INVARIANT: IsDir(Mode) => len(frags) == 0
	// INVARIANT: for each f, f.size > 0
	frags []*frag

	// Children of a directory in creation order.
	//
	// INVARIANT: !IsDir(Mode) => len(dents) == 0
	// INVARIANT: no two dents share a name
	dents []*dentry
}

func newInode(ino uint32) *Inode {
	in := &Inode{ino: ino}
	in.mu = syncutil.NewInvariantMutex(in.checkInvariants)
	return in
}

func (in *Inode) checkInvariants() {
	if in.Metadata != nil && in.Metadata.Size != 0 {
		panic(fmt.Sprintf("inode %d: metadata node carries %d bytes", in.ino, in.Metadata.Size))
	}

	if IsDir(in.Mode) && len(in.frags) != 0 {
		panic(fmt.Sprintf("inode %d: directory with %d fragments", in.ino, len(in.frags)))
	}

	for _, f := range in.frags {
		if f.size == 0 {
			panic(fmt.Sprintf("inode %d: empty fragment at %d", in.ino, f.ofs))
		}
	}

	if !IsDir(in.Mode) && len(in.dents) != 0 {
		panic(fmt.Sprintf("inode %d: non-directory with %d entries", in.ino, len(in.dents)))
	}

	names := make(map[string]struct{}, len(in.dents))
	for _, d := range in.dents {
		if _, ok := names[d.name]; ok {
			panic(fmt.Sprintf("inode %d: duplicate entry %q", in.ino, d.name))
		}
		names[d.name] = struct{}{}
	}
}

func (in *Inode) Lock()   { in.mu.Lock() }
func (in *Inode) Unlock() { in.mu.Unlock() }

func (in *Inode) Ino() uint32 { return in.ino }

// NextVersion returns the version number for the next node written for
// this inode. The caller must hold the inode lock.
func (in *Inode) NextVersion() uint32 {
	in.highestVersion++
	return in.highestVersion
}

// HighestVersion is the version of the newest node written for the inode.
// The caller must hold the inode lock.
func (in *Inode) HighestVersion() uint32 {
	return in.highestVersion
}

func (in *Inode) updateBlocks() {
	in.Blocks = (in.Size + 511) >> 9
}

// addFrag appends a fragment for fn and returns the nodes whose fragments
// were all shadowed by it.
func (in *Inode) addFrag(fn *FullDnode) []*FullDnode {
	nf := &frag{ofs: fn.Ofs, size: fn.Size, node: fn}

	kept := in.frags[:0]
	var dropped []*frag
	for _, f := range in.frags {
		if f.ofs >= nf.ofs && f.end() <= nf.end() {
			dropped = append(dropped, f)
			continue
		}
		kept = append(kept, f)
	}
	in.frags = append(kept, nf)

	return in.orphans(dropped)
}

// truncateFrags clips every fragment to size and returns the nodes left
// without any fragment.
func (in *Inode) truncateFrags(size uint32) []*FullDnode {
	kept := in.frags[:0]
	var dropped []*frag
	for _, f := range in.frags {
		switch {
		case f.ofs >= size:
			dropped = append(dropped, f)
		case f.end() > size:
			f.size = size - f.ofs
			kept = append(kept, f)
		default:
			kept = append(kept, f)
		}
	}
	in.frags = kept

	return in.orphans(dropped)
}

func (in *Inode) orphans(dropped []*frag) []*FullDnode {
	var nodes []*FullDnode
	for _, d := range dropped {
		if in.hasFragsOf(d.node) || containsNode(nodes, d.node) {
			continue
		}
		nodes = append(nodes, d.node)
	}
	return nodes
}

func (in *Inode) hasFragsOf(fn *FullDnode) bool {
	for _, f := range in.frags {
		if f.node == fn {
			return true
		}
	}
	return false
}

// nodes lists every node the inode still references.
func (in *Inode) nodes() []*FullDnode {
	var nodes []*FullDnode
	if in.Metadata != nil {
		nodes = append(nodes, in.Metadata)
	}
	for _, f := range in.frags {
		if !containsNode(nodes, f.node) {
			nodes = append(nodes, f.node)
		}
	}
	return nodes
}

func containsNode(nodes []*FullDnode, fn *FullDnode) bool {
	for _, n := range nodes {
		if n == fn {
			return true
		}
	}
	return false
}

func (in *Inode) findDentry(name string) (int, *dentry) {
	for i, d := range in.dents {
		if d.name == name {
			return i, d
		}
	}
	return -1, nil
}
