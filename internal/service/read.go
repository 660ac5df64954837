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

// Read fills buf from offs. Reading at or past the end returns 0 bytes;
// a read crossing the end is cut short.
func (s *fileSystemService) Read(ctx context.Context, oid models.Oid, offs int64, buf []byte) (int, error) {
	const op = "service.fileSystemService.Read"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Read", slog.Any("oid", oid), slog.Int64("offset", offs), slog.Int("len", len(buf)))

	if oid.ID == 0 || offs < 0 {
		logger.Debug("Invalid read request", slog.Any("oid", oid), slog.Int64("offset", offs))
		return 0, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}

	var n int
	err := s.withLocked(ctx, oid.ID, func(in *jffs2.Inode) error {
		if jffs2.IsDir(in.Mode) {
			return kerrors.ErrIsDir
		}

		size := int64(in.Size)
		if offs >= size {
			return nil
		}

		n = int(min(int64(len(buf)), size-offs))
		return s.engine.ReadInodeRange(ctx, in, buf[:n], uint32(offs))
	})
	if err != nil {
		logger.Error("read error", slogext.Err(err), slog.Any("oid", oid))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Read successful", slog.Any("oid", oid), slog.Int("read", n))
	return n, nil
}
