package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/S1riyS/jffs2-server/internal/jffs2"
	"github.com/S1riyS/jffs2-server/internal/models"
	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
	"github.com/S1riyS/jffs2-server/pkg/logging"
)

// Lookup walks path from dir. It returns the last object resolved and the
// number of bytes of path consumed; a miss stops the walk, so a result
// shorter than path means only a prefix was found. Nothing resolved at all
// is ENOENT.
func (s *fileSystemService) Lookup(ctx context.Context, dir models.Oid, path string) (models.Oid, int, error) {
	const op = "service.fileSystemService.Lookup"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Lookup", slog.Any("dir", dir), slog.String("path", path))

	id, n, err := s.resolve(ctx, dir.ID, path)
	if err != nil {
		logger.Debug("Lookup failed", slog.String("path", path), slog.Int("consumed", n), slog.String("err", err.Error()))
		return models.Oid{}, n, fmt.Errorf("%s: %w", op, err)
	}

	res := models.Oid{Port: s.port, ID: id}
	logger.Debug("Lookup successful", slog.Any("oid", res), slog.Int("consumed", n))

	return res, n, nil
}

// lookupExact resolves name under dir and reports ENOENT unless the whole
// name matched.
func (s *fileSystemService) lookupExact(ctx context.Context, dir uint32, name string) (uint32, error) {
	id, n, err := s.resolve(ctx, dir, name)
	if err != nil {
		return 0, err
	}
	if n != len(name) {
		return 0, kerrors.ErrNotFound
	}
	return id, nil
}

func (s *fileSystemService) resolve(ctx context.Context, start uint32, path string) (uint32, int, error) {
	if start == 0 {
		start = models.RootID
	}

	cur, err := s.engine.Iget(ctx, start)
	if err != nil {
		if errors.Is(err, kerrors.ErrNotFound) {
			return 0, 0, kerrors.ErrInvalid
		}
		return 0, 0, err
	}
	// cur changes while walking; release whichever inode is current last.
	defer func() { s.engine.Iput(ctx, cur) }()

	if !isDirInode(cur) {
		return 0, 0, kerrors.ErrNotDir
	}

	var res uint32
	n := 0
	for n < len(path) {
		if path[n] == '/' {
			n++
			continue
		}

		name := path[n:]
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[:i]
		}

		switch name {
		case ".":
			res = cur.Ino()
			n++
			continue
		case "..":
			res = s.engine.Parent(cur)
			n += 2

			parent, err := s.engine.Iget(ctx, res)
			if err != nil {
				return 0, n, err
			}
			s.engine.Iput(ctx, cur)
			cur = parent
			continue
		}

		next, err := s.engine.Lookup(ctx, cur, name)
		if err != nil {
			return 0, n, err
		}
		if next == nil {
			break
		}

		res = next.Ino()
		n += len(name)

		s.engine.Iput(ctx, cur)
		cur = next
	}

	if res == 0 {
		return 0, n, kerrors.ErrNotFound
	}
	return res, n, nil
}

func isDirInode(in *jffs2.Inode) bool {
	in.Lock()
	defer in.Unlock()
	return jffs2.IsDir(in.Mode)
}
