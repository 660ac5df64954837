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

// Write stores data at offs. A write ending past the end of the file
// first extends the file with a hole node, so the size never runs ahead
// of the nodes backing it. The hole stays if writing the data then fails.
// A failed write reports only the error, even when part of the data was
// already committed.
func (s *fileSystemService) Write(ctx context.Context, oid models.Oid, offs int64, data []byte) (int, error) {
	const op = "service.fileSystemService.Write"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Write", slog.Any("oid", oid), slog.Int64("offset", offs), slog.Int("len", len(data)))

	if oid.ID == 0 || offs < 0 || offs+int64(len(data)) > int64(^uint32(0)) {
		logger.Debug("Invalid write request", slog.Any("oid", oid), slog.Int64("offset", offs))
		return 0, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}
	if len(data) == 0 {
		return 0, nil
	}

	offset := uint32(offs)
	end := offset + uint32(len(data))

	var written uint32
	err := s.withInode(ctx, oid.ID, func(in *jffs2.Inode) error {
		in.Lock()
		mode, size := in.Mode, in.Size
		in.Unlock()

		if jffs2.IsDir(mode) {
			return kerrors.ErrIsDir
		}

		if end > size {
			if err := s.extend(ctx, in, end); err != nil {
				return err
			}
		}

		var err error
		written, err = s.writeRange(ctx, in, data, offset)
		return err
	})
	if err != nil {
		logger.Error("write error", slogext.Err(err), slog.Any("oid", oid), slog.Uint64("written", uint64(written)))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Write successful", slog.Any("oid", oid), slog.Uint64("written", uint64(written)))
	return int(written), nil
}

// extend grows the file to end with a hole node. On failure the size is
// left untouched and the node, if already written, is obsoleted.
func (s *fileSystemService) extend(ctx context.Context, in *jffs2.Inode, end uint32) error {
	const op = "service.fileSystemService.extend"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if err := s.engine.ReserveSpace(ctx, jffs2.RawInodeSize); err != nil {
		return err
	}

	in.Lock()
	defer in.Unlock()
	defer s.engine.CompleteReservation()

	size := in.Size
	if size >= end {
		return nil
	}

	now := s.now()
	ri := &jffs2.RawInode{
		Header: jffs2.Header{
			Magic:    jffs2.Magic,
			NodeType: jffs2.NodeTypeInode,
			Totlen:   jffs2.RawInodeSize,
		},
		Ino:     in.Ino(),
		Version: in.NextVersion(),
		Mode:    in.Mode,
		UID:     in.UID,
		GID:     in.GID,
		Rdev:    in.Rdev,
		Isize:   end,
		Atime:   now,
		Mtime:   now,
		Ctime:   now,
		Offset:  size,
		Dsize:   end - size,
		Csize:   0,
		Compr:   jffs2.ComprZero,
	}
	ri.UpdateCRCs()

	fn, err := s.engine.WriteDnode(ctx, in, ri, nil)
	if err != nil {
		return err
	}

	if err := s.engine.AddFullDnodeToInode(ctx, in, fn); err != nil {
		if oerr := s.engine.MarkNodeObsolete(ctx, fn.Raw); oerr != nil {
			logger.Error("Failed to obsolete hole node", slogext.Err(oerr))
		}
		s.engine.FreeFullDnode(fn)
		return err
	}

	if in.Metadata != nil {
		if err := s.engine.MarkNodeObsolete(ctx, in.Metadata.Raw); err != nil {
			logger.Error("Failed to obsolete metadata node", slogext.Err(err))
		}
		s.engine.FreeFullDnode(in.Metadata)
		in.Metadata = nil
	}

	in.Size = end
	in.Blocks = (end + 511) >> 9
	in.Mtime = now
	in.Ctime = now
	logger.Debug("Extended file", slog.Uint64("ino", uint64(in.Ino())), slog.Uint64("from", uint64(size)), slog.Uint64("to", uint64(end)))

	return nil
}

// writeRange commits data at offset and grows the size to cover whatever
// was written.
func (s *fileSystemService) writeRange(ctx context.Context, in *jffs2.Inode, data []byte, offset uint32) (uint32, error) {
	end := offset + uint32(len(data))
	now := s.now()

	in.Lock()
	ri := &jffs2.RawInode{
		Ino:   in.Ino(),
		Mode:  in.Mode,
		UID:   in.UID,
		GID:   in.GID,
		Rdev:  in.Rdev,
		Isize: max(in.Size, end),
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
	in.Unlock()

	writelen, err := s.engine.WriteInodeRange(ctx, in, ri, data, offset)

	in.Lock()
	if offset+writelen > in.Size {
		in.Size = offset + writelen
		in.Blocks = (in.Size + 511) >> 9
		in.Ctime = ri.Ctime
		in.Mtime = ri.Ctime
	}
	in.Unlock()

	return writelen, err
}
