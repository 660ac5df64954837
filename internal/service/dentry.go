package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/S1riyS/jffs2-server/internal/jffs2"
	"github.com/S1riyS/jffs2-server/internal/models"
	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
	"github.com/S1riyS/jffs2-server/pkg/logging"
	"github.com/S1riyS/jffs2-server/pkg/logging/slogext"
)

func (s *fileSystemService) Link(ctx context.Context, dir models.Oid, name string, target models.Oid) error {
	const op = "service.fileSystemService.Link"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Link", slog.Any("dir", dir), slog.String("name", name), slog.Any("target", target))

	if dir.ID == 0 || target.ID == 0 || name == "" {
		logger.Debug("Invalid link request")
		return fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}

	err := s.withInode(ctx, dir.ID, func(idir *jffs2.Inode) error {
		return s.withInode(ctx, target.ID, func(in *jffs2.Inode) error {
			return s.engine.Link(ctx, in, idir, name)
		})
	})
	if err != nil {
		logger.Debug("Link failed", slogext.Err(err), slog.String("name", name))
		return fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Link successful", slog.String("name", name), slog.Any("target", target))
	return nil
}

func (s *fileSystemService) Unlink(ctx context.Context, dir models.Oid, name string) error {
	const op = "service.fileSystemService.Unlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Unlink", slog.Any("dir", dir), slog.String("name", name))

	if dir.ID == 0 || name == "" {
		logger.Debug("Invalid unlink request")
		return fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}

	err := s.withInode(ctx, dir.ID, func(idir *jffs2.Inode) error {
		id, err := s.lookupExact(ctx, dir.ID, name)
		if err != nil {
			return err
		}

		return s.withInode(ctx, id, func(in *jffs2.Inode) error {
			return s.engine.Unlink(ctx, idir, in, name)
		})
	})
	if err != nil {
		logger.Debug("Unlink failed", slogext.Err(err), slog.String("name", name))
		return fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Unlink successful", slog.String("name", name))
	return nil
}

// Create makes a file or directory called name in dir. Files always get
// mode 0777; the requested mode only applies to directories.
func (s *fileSystemService) Create(
	ctx context.Context,
	dir models.Oid,
	name string,
	typ models.ObjectType,
	mode uint32,
	port uint32,
) (models.Oid, error) {
	const op = "service.fileSystemService.Create"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Create",
		slog.Any("dir", dir),
		slog.String("name", name),
		slog.String("type", typ.String()),
		slog.Uint64("mode", uint64(mode)),
		slog.Uint64("port", uint64(port)),
	)

	var res models.Oid
	err := s.withInode(ctx, dir.ID, func(idir *jffs2.Inode) error {
		if !isDirInode(idir) {
			return kerrors.ErrNotDir
		}

		if _, err := s.lookupExact(ctx, dir.ID, name); err == nil {
			return kerrors.ErrExist
		}

		var in *jffs2.Inode
		var err error
		switch typ {
		case models.ObjectTypeFile:
			in, err = s.engine.Create(ctx, idir, name, jffs2.S_IFREG|jffs2.S_IRWXUGO)
		case models.ObjectTypeDir:
			in, err = s.engine.Mkdir(ctx, idir, name, mode)
		default:
			return kerrors.ErrInvalid
		}
		if err != nil {
			return err
		}

		res = models.Oid{Port: s.port, ID: in.Ino()}
		s.engine.Iput(ctx, in)
		return nil
	})
	if err != nil {
		logger.Debug("Create failed", slogext.Err(err), slog.String("name", name))
		return models.Oid{}, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Create successful", slog.String("name", name), slog.Any("oid", res))
	return res, nil
}

// Destroy always succeeds; objects go away when their last link is
// removed.
func (s *fileSystemService) Destroy(ctx context.Context, oid models.Oid) error {
	return nil
}
