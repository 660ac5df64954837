package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/S1riyS/jffs2-server/internal/jffs2"
	"github.com/S1riyS/jffs2-server/internal/models"
	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
	"github.com/S1riyS/jffs2-server/pkg/binary"
	"github.com/S1riyS/jffs2-server/pkg/logging"
)

// Readdir encodes as many entries starting at position offs as fit into
// buf and returns the number of bytes used. Positions 0 and 1 are "." and
// "..". Each record carries the position of the entry after it. ENOENT
// means there is nothing left past offs.
func (s *fileSystemService) Readdir(ctx context.Context, dir models.Oid, offs int64, buf []byte) (int, error) {
	const op = "service.fileSystemService.Readdir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Readdir", slog.Any("dir", dir), slog.Int64("offset", offs), slog.Int("size", len(buf)))

	if dir.ID == 0 || offs < 0 {
		return 0, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}

	emit := -1
	err := s.withInode(ctx, dir.ID, func(in *jffs2.Inode) error {
		if !isDirInode(in) {
			return kerrors.ErrInvalid
		}

		children, err := s.engine.Readdir(ctx, in)
		if err != nil {
			return err
		}

		entries := make([]models.Dirent, 0, len(children)+2)
		entries = append(entries,
			models.Dirent{Name: ".", Ino: in.Ino(), Type: models.ObjectTypeDir},
			models.Dirent{Name: "..", Ino: s.engine.Parent(in), Type: models.ObjectTypeDir},
		)
		for _, c := range children {
			entries = append(entries, models.Dirent{Name: c.Name, Ino: c.Ino, Type: direntType(c.Type)})
		}

		used := 0
		for pos := offs; pos < int64(len(entries)); pos++ {
			d := entries[pos]
			d.Offset = pos + 1

			rec, err := binary.EncodeDirent(&d)
			if err != nil {
				return err
			}
			if used+len(rec) > len(buf) {
				break
			}

			used += copy(buf[used:], rec)
			emit = used
		}

		if emit < 0 && offs < int64(len(entries)) {
			// The next entry does not fit at all.
			return kerrors.ErrInvalid
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, kerrors.ErrNotFound) {
			err = kerrors.ErrInvalid
		}
		logger.Debug("Readdir failed", slog.Any("dir", dir), slog.String("err", err.Error()))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if emit < 0 {
		logger.Debug("No more entries", slog.Any("dir", dir), slog.Int64("offset", offs))
		return 0, fmt.Errorf("%s: %w", op, kerrors.ErrNotFound)
	}

	return emit, nil
}
