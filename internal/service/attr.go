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

// modeMask selects the mode bits a MODE request replaces. It covers the file
// type too, so clients send the full mode.
const modeMask = 0xffff

func (s *fileSystemService) GetAttr(ctx context.Context, oid models.Oid, attr models.Attr) (int64, error) {
	const op = "service.fileSystemService.GetAttr"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("GetAttr", slog.Any("oid", oid), slog.Int("attr", int(attr)))

	if oid.ID == 0 {
		return 0, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}

	var value int64
	err := s.withLocked(ctx, oid.ID, func(in *jffs2.Inode) error {
		switch attr {
		case models.AttrMode:
			value = int64(in.Mode)
		case models.AttrUID:
			value = int64(in.UID)
		case models.AttrGID:
			value = int64(in.GID)
		case models.AttrSize:
			value = int64(in.Size)
		case models.AttrType:
			value = int64(objectType(in.Mode))
		case models.AttrPort:
			value = int64(in.Rdev)
		}
		return nil
	})
	if err != nil {
		logger.Debug("Inode not available", slog.Any("oid", oid), slogext.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return value, nil
}

func (s *fileSystemService) SetAttr(ctx context.Context, oid models.Oid, attr models.Attr, value int64) error {
	const op = "service.fileSystemService.SetAttr"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("SetAttr", slog.Any("oid", oid), slog.Int("attr", int(attr)), slog.Int64("value", value))

	if attr == models.AttrSize && (value < 0 || value > int64(^uint32(0))) {
		logger.Debug("Size out of range", slog.Int64("value", value))
		return fmt.Errorf("%s: size %d: %w", op, value, kerrors.ErrInvalid)
	}

	err := s.withInode(ctx, oid.ID, func(in *jffs2.Inode) error {
		ia := &jffs2.Iattr{}

		in.Lock()
		switch attr {
		case models.AttrMode:
			ia.Valid = jffs2.IattrMode
			ia.Mode = (in.Mode &^ modeMask) | (uint32(value) & modeMask)
		case models.AttrUID:
			ia.Valid = jffs2.IattrUID
			ia.UID = uint16(value)
		case models.AttrGID:
			ia.Valid = jffs2.IattrGID
			ia.GID = uint16(value)
		case models.AttrSize:
			ia.Valid = jffs2.IattrSize
			ia.Size = uint32(value)
		case models.AttrPort:
			ia.Valid = jffs2.IattrRdev
			ia.Rdev = uint32(value)
		}
		// Setattr takes the inode lock itself.
		in.Unlock()

		if ia.Valid == 0 {
			return nil
		}
		return s.engine.Setattr(ctx, in, ia)
	})
	if err != nil {
		logger.Error("Failed to set attribute", slogext.Err(err), slog.Any("oid", oid), slog.Int("attr", int(attr)))
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Truncate resizes a file in either direction.
func (s *fileSystemService) Truncate(ctx context.Context, oid models.Oid, size uint64) error {
	if size > uint64(^uint32(0)) {
		return fmt.Errorf("service.fileSystemService.Truncate: size %d: %w", size, kerrors.ErrInvalid)
	}
	return s.SetAttr(ctx, oid, models.AttrSize, int64(size))
}
