package jffs2

import (
	"context"
	"fmt"
	"strings"

	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
)

func validName(name string) bool {
	return name != "" && len(name) <= maxNameLen && !strings.Contains(name, "/")
}

func direntSpace(name string) uint32 {
	return RawDirentSize + uint32(len(name))
}

// Lookup returns the referenced child called name, or nil if dir has no
// such entry.
func (e *Engine) Lookup(ctx context.Context, dir *Inode, name string) (*Inode, error) {
	dir.Lock()
	_, d := dir.findDentry(name)
	dir.Unlock()

	if d == nil {
		return nil, nil
	}
	return e.Iget(ctx, d.ino)
}

// Create makes a regular file called name in dir and returns it
// referenced.
func (e *Engine) Create(ctx context.Context, dir *Inode, name string, mode uint32) (*Inode, error) {
	const op = "jffs2.Engine.Create"

	in, err := e.create(ctx, dir, name, S_IFREG|(mode&^S_IFMT))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return in, nil
}

// Mkdir makes a directory called name in dir and returns it referenced.
func (e *Engine) Mkdir(ctx context.Context, dir *Inode, name string, mode uint32) (*Inode, error) {
	const op = "jffs2.Engine.Mkdir"

	in, err := e.create(ctx, dir, name, S_IFDIR|(mode&^S_IFMT))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return in, nil
}

func (e *Engine) create(ctx context.Context, dir *Inode, name string, mode uint32) (*Inode, error) {
	if !validName(name) {
		return nil, kerrors.ErrInvalid
	}

	if err := e.ReserveSpace(ctx, RawInodeSize+direntSpace(name)); err != nil {
		return nil, err
	}
	defer e.CompleteReservation()

	dir.Lock()
	defer dir.Unlock()

	if !IsDir(dir.Mode) {
		return nil, kerrors.ErrNotDir
	}
	if _, d := dir.findDentry(name); d != nil {
		return nil, kerrors.ErrExist
	}

	e.mu.Lock()
	ino := e.nextIno
	e.nextIno++
	e.mu.Unlock()

	now := e.now()
	in := newInode(ino)
	in.Mode = mode
	in.Atime, in.Mtime, in.Ctime = now, now, now

	// The new inode is unreachable until the dirent is in place.
	in.Lock()
	ri := in.metadataNode()
	fn, err := e.WriteDnode(ctx, in, ri, nil)
	if err != nil {
		in.Unlock()
		return nil, err
	}
	in.Metadata = fn
	in.Unlock()

	if err := e.addDentry(ctx, dir, name, in.ino, modeToDT(mode)); err != nil {
		e.discard(ctx, fn)
		return nil, err
	}

	e.mu.Lock()
	in.nlink = 1
	in.parent = dir.ino
	in.count = 1
	e.inodes[ino] = in
	e.mu.Unlock()

	dir.Mtime, dir.Ctime = now, now

	return in, nil
}

// Link adds another name for target in dir. Directories cannot be linked.
func (e *Engine) Link(ctx context.Context, target, dir *Inode, name string) error {
	const op = "jffs2.Engine.Link"

	if !validName(name) {
		return fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}

	target.Lock()
	mode := target.Mode
	target.Unlock()
	if IsDir(mode) {
		return fmt.Errorf("%s: %w", op, kerrors.ErrPerm)
	}

	if err := e.ReserveSpace(ctx, direntSpace(name)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer e.CompleteReservation()

	dir.Lock()
	defer dir.Unlock()

	if !IsDir(dir.Mode) {
		return fmt.Errorf("%s: %w", op, kerrors.ErrNotDir)
	}
	if _, d := dir.findDentry(name); d != nil {
		return fmt.Errorf("%s: %q: %w", op, name, kerrors.ErrExist)
	}

	if err := e.addDentry(ctx, dir, name, target.ino, modeToDT(mode)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	e.mu.Lock()
	target.nlink++
	e.mu.Unlock()

	now := e.now()
	dir.Mtime, dir.Ctime = now, now

	return nil
}

// addDentry writes a dirent node for name and adds it to dir. The caller
// holds a reservation and the dir lock.
func (e *Engine) addDentry(ctx context.Context, dir *Inode, name string, ino uint32, typ uint8) error {
	rd := &RawDirent{
		Header: Header{
			Magic:    Magic,
			NodeType: NodeTypeDirent,
			Totlen:   direntSpace(name),
		},
		Pino:    dir.ino,
		Version: dir.NextVersion(),
		Ino:     ino,
		Mctime:  e.now(),
		Nsize:   uint8(len(name)),
		Type:    typ,
	}
	rd.UpdateCRCs(name)

	raw, err := e.appendNode(ctx, marshalDirent(rd, name))
	if err != nil {
		return err
	}

	dir.dents = append(dir.dents, &dentry{
		name:    name,
		ino:     ino,
		typ:     typ,
		version: rd.Version,
		raw:     raw,
	})
	return nil
}

// Unlink removes the entry name, which must refer to target, from dir.
// Non-empty directories cannot be removed.
func (e *Engine) Unlink(ctx context.Context, dir, target *Inode, name string) error {
	const op = "jffs2.Engine.Unlink"

	dir.Lock()
	defer dir.Unlock()

	i, d := dir.findDentry(name)
	if d == nil || d.ino != target.ino {
		return fmt.Errorf("%s: %q: %w", op, name, kerrors.ErrNotFound)
	}

	target.Lock()
	notEmpty := IsDir(target.Mode) && len(target.dents) != 0
	target.Unlock()
	if notEmpty {
		return fmt.Errorf("%s: %q: %w", op, name, kerrors.ErrNotEmpty)
	}

	if err := e.MarkNodeObsolete(ctx, d.raw); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	dir.dents = append(dir.dents[:i], dir.dents[i+1:]...)

	e.mu.Lock()
	target.nlink--
	e.mu.Unlock()

	now := e.now()
	dir.Mtime, dir.Ctime = now, now

	return nil
}

// Readdir returns the children of dir in creation order.
func (e *Engine) Readdir(ctx context.Context, dir *Inode) ([]DirEntry, error) {
	const op = "jffs2.Engine.Readdir"

	dir.Lock()
	defer dir.Unlock()

	if !IsDir(dir.Mode) {
		return nil, fmt.Errorf("%s: %w", op, kerrors.ErrNotDir)
	}

	entries := make([]DirEntry, 0, len(dir.dents))
	for _, d := range dir.dents {
		entries = append(entries, DirEntry{Name: d.name, Ino: d.ino, Type: d.typ})
	}
	return entries, nil
}
