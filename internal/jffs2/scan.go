package jffs2

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/S1riyS/jffs2-server/internal/storage"
	"github.com/S1riyS/jffs2-server/pkg/logging"
	"github.com/S1riyS/jffs2-server/pkg/logging/slogext"
	"github.com/dustin/go-humanize"
)

type scannedInode struct {
	ri  *RawInode
	raw NodeRef
}

type scannedDirent struct {
	rd   *RawDirent
	name string
	raw  NodeRef
}

type direntKey struct {
	pino uint32
	name string
}

// Mount builds the in-core filesystem from the live nodes of store. An
// empty store is formatted with a root directory.
func Mount(ctx context.Context, store storage.NodeStore, opts Options) (*Engine, error) {
	const op = "jffs2.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	e := newEngine(store, opts)

	var inodes []scannedInode
	var dirents []scannedDirent
	var bad []storage.Ref

	err := store.Scan(ctx, func(ref storage.Ref, raw []byte) error {
		nr := NodeRef{Ref: ref, Len: uint32(len(raw))}

		h, err := readHeader(raw)
		if err != nil {
			logger.Warn("Skipping corrupted node", slog.Int64("ref", int64(ref)), slogext.Err(err))
			bad = append(bad, ref)
			return nil
		}

		switch h.NodeType {
		case NodeTypeInode:
			ri, _, err := unmarshalInode(raw)
			if err != nil {
				logger.Warn("Skipping corrupted inode node", slog.Int64("ref", int64(ref)), slogext.Err(err))
				bad = append(bad, ref)
				return nil
			}
			inodes = append(inodes, scannedInode{ri: ri, raw: nr})
		case NodeTypeDirent:
			rd, name, err := unmarshalDirent(raw)
			if err != nil {
				logger.Warn("Skipping corrupted dirent node", slog.Int64("ref", int64(ref)), slogext.Err(err))
				bad = append(bad, ref)
				return nil
			}
			dirents = append(dirents, scannedDirent{rd: rd, name: name, raw: nr})
		default:
			logger.Warn("Skipping node of unknown type", slog.Int64("ref", int64(ref)), slog.Int("type", int(h.NodeType)))
			bad = append(bad, ref)
			return nil
		}

		e.used += uint64(nr.Len)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: scan: %w", op, err)
	}

	for _, ref := range bad {
		if err := store.MarkObsolete(ctx, ref); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := e.replayInodes(ctx, inodes); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := e.replayDirents(ctx, dirents); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := e.dropUnlinked(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if _, ok := e.inodes[RootIno]; !ok {
		logger.Info("Formatting empty filesystem")
		if err := e.format(ctx); err != nil {
			return nil, fmt.Errorf("%s: format: %w", op, err)
		}
	}

	for ino := range e.inodes {
		if ino >= e.nextIno {
			e.nextIno = ino + 1
		}
	}

	logger.Info("Mounted filesystem",
		slog.Int("inodes", len(e.inodes)),
		slog.Int("bad_nodes", len(bad)),
		slog.String("used", humanize.IBytes(e.used)),
		slog.String("capacity", humanize.IBytes(e.capacity)),
	)

	return e, nil
}

// replayInodes applies inode nodes in version order: every node carries
// the full attributes and its isize truncates older data.
func (e *Engine) replayInodes(ctx context.Context, nodes []scannedInode) error {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ri.Ino != nodes[j].ri.Ino {
			return nodes[i].ri.Ino < nodes[j].ri.Ino
		}
		return nodes[i].ri.Version < nodes[j].ri.Version
	})

	var stale []NodeRef
	for _, n := range nodes {
		ri := n.ri

		in, ok := e.inodes[ri.Ino]
		if !ok {
			in = newInode(ri.Ino)
			e.inodes[ri.Ino] = in
		}

		in.Mode = ri.Mode
		in.UID = ri.UID
		in.GID = ri.GID
		in.Rdev = ri.Rdev
		in.Atime = ri.Atime
		in.Mtime = ri.Mtime
		in.Ctime = ri.Ctime
		in.highestVersion = ri.Version

		for _, old := range in.truncateFrags(ri.Isize) {
			stale = append(stale, old.Raw)
		}
		in.Size = ri.Isize
		in.updateBlocks()

		fn := &FullDnode{Raw: n.raw, Ofs: ri.Offset, Size: ri.Dsize, Compr: ri.Compr, Version: ri.Version}
		if fn.Size == 0 {
			if in.Metadata != nil {
				stale = append(stale, in.Metadata.Raw)
			}
			in.Metadata = fn
			continue
		}

		if in.Metadata != nil {
			stale = append(stale, in.Metadata.Raw)
			in.Metadata = nil
		}
		for _, old := range in.addFrag(fn) {
			stale = append(stale, old.Raw)
		}
	}

	return e.obsoleteAll(ctx, stale)
}

// replayDirents keeps the newest dirent per (parent, name) and links the
// surviving entries into their directories.
func (e *Engine) replayDirents(ctx context.Context, nodes []scannedDirent) error {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].rd.Version < nodes[j].rd.Version
	})

	var stale []NodeRef
	latest := make(map[direntKey]scannedDirent, len(nodes))
	for _, n := range nodes {
		key := direntKey{pino: n.rd.Pino, name: n.name}
		if prev, ok := latest[key]; ok {
			stale = append(stale, prev.raw)
		}
		latest[key] = n
	}

	for _, n := range nodes {
		key := direntKey{pino: n.rd.Pino, name: n.name}
		if cur := latest[key]; cur.raw != n.raw {
			continue
		}

		dir, dirOk := e.inodes[n.rd.Pino]
		child, childOk := e.inodes[n.rd.Ino]
		if n.rd.Ino == 0 || !dirOk || !childOk || !IsDir(dir.Mode) || !validName(n.name) {
			stale = append(stale, n.raw)
			continue
		}

		dir.dents = append(dir.dents, &dentry{
			name:    n.name,
			ino:     n.rd.Ino,
			typ:     n.rd.Type,
			version: n.rd.Version,
			raw:     n.raw,
		})
		if n.rd.Version > dir.highestVersion {
			dir.highestVersion = n.rd.Version
		}

		child.nlink++
		if child.parent == 0 || IsDir(child.Mode) {
			child.parent = dir.ino
		}
	}

	return e.obsoleteAll(ctx, stale)
}

// dropUnlinked removes inodes no directory refers to, together with their
// nodes and whatever entries they still held.
func (e *Engine) dropUnlinked(ctx context.Context) error {
	if root, ok := e.inodes[RootIno]; ok {
		root.nlink++
		root.parent = RootIno
	}

	for {
		var stale []NodeRef
		for ino, in := range e.inodes {
			if in.nlink != 0 {
				continue
			}
			for _, fn := range in.nodes() {
				stale = append(stale, fn.Raw)
			}
			for _, d := range in.dents {
				stale = append(stale, d.raw)
				if child, ok := e.inodes[d.ino]; ok {
					child.nlink--
				}
			}
			delete(e.inodes, ino)
		}

		if len(stale) == 0 {
			return nil
		}
		if err := e.obsoleteAll(ctx, stale); err != nil {
			return err
		}
	}
}

func (e *Engine) obsoleteAll(ctx context.Context, refs []NodeRef) error {
	for _, raw := range refs {
		if err := e.store.MarkObsolete(ctx, raw.Ref); err != nil {
			return fmt.Errorf("obsolete node %d: %w", raw.Ref, err)
		}
		e.used -= uint64(raw.Len)
	}
	return nil
}

func (e *Engine) format(ctx context.Context) error {
	if err := e.ReserveSpace(ctx, RawInodeSize); err != nil {
		return err
	}
	defer e.CompleteReservation()

	now := e.now()
	root := newInode(RootIno)
	root.Mode = S_IFDIR | 0o755
	root.Atime, root.Mtime, root.Ctime = now, now, now
	root.nlink = 1
	root.parent = RootIno

	root.Lock()
	defer root.Unlock()

	fn, err := e.WriteDnode(ctx, root, root.metadataNode(), nil)
	if err != nil {
		return err
	}
	root.Metadata = fn

	e.mu.Lock()
	e.inodes[RootIno] = root
	e.mu.Unlock()

	return nil
}
