// Package dispatcher runs the server loop: one request at a time, each
// answered exactly once.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/S1riyS/jffs2-server/internal/msg"
	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
	"github.com/S1riyS/jffs2-server/internal/service"
	"github.com/S1riyS/jffs2-server/pkg/logging"
	"github.com/S1riyS/jffs2-server/pkg/logging/slogext"
)

// maxIOSize caps the buffer allocated for a single read or readdir.
const maxIOSize = 1 << 20

type Dispatcher struct {
	port    msg.Port
	service service.FileSystemService
}

func New(port msg.Port, service service.FileSystemService) *Dispatcher {
	return &Dispatcher{port: port, service: service}
}

// Run serves requests until ctx is done or the port is closed. A request
// that cannot be received is answered with an empty message.
func (d *Dispatcher) Run(ctx context.Context) error {
	const op = "dispatcher.Dispatcher.Run"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	for {
		m, rid, err := d.port.Recv(ctx)
		if err != nil {
			if errors.Is(err, msg.ErrPortClosed) {
				logger.Info("Port closed, stopping")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			logger.Warn("Failed to receive message", slogext.Err(err))
			if err := d.port.Respond(ctx, &msg.Msg{}, rid); err != nil {
				logger.Error("Failed to respond", slogext.Err(err))
			}
			continue
		}

		reqCtx := logging.MakeContextWithNewRequestID(ctx)
		d.Handle(reqCtx, m)

		if err := d.port.Respond(ctx, m, rid); err != nil {
			logger.Error("Failed to respond", slogext.Err(err), slog.String("type", m.Type.String()))
		}
	}
}

// Handle executes m and fills in its output.
func (d *Dispatcher) Handle(ctx context.Context, m *msg.Msg) {
	const op = "dispatcher.Dispatcher.Handle"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Handling message", slog.String("type", m.Type.String()), slog.Any("oid", m.I.Oid))

	in, out := &m.I, &m.O
	*out = msg.Output{}

	switch m.Type {
	case msg.TypeOpen, msg.TypeClose:

	case msg.TypeRead:
		buf := make([]byte, min(in.Len, maxIOSize))
		n, err := d.service.Read(ctx, in.Oid, in.Offs, buf)
		out.Err = result(n, err)
		if err == nil {
			out.Data = buf[:n]
		}

	case msg.TypeWrite:
		n, err := d.service.Write(ctx, in.Oid, in.Offs, in.Data)
		out.Err = result(n, err)

	case msg.TypeTruncate:
		out.Err = kerrors.Code(d.service.Truncate(ctx, in.Oid, in.Len))

	case msg.TypeDevCtl:
		out.Err = kerrors.EINVAL_NEG

	case msg.TypeCreate:
		oid, err := d.service.Create(ctx, in.Oid, in.Name, in.ObjType, in.Mode, in.Port)
		out.Err = kerrors.Code(err)
		out.Oid = oid

	case msg.TypeDestroy:
		out.Err = kerrors.Code(d.service.Destroy(ctx, in.Oid))

	case msg.TypeSetAttr:
		out.Err = kerrors.Code(d.service.SetAttr(ctx, in.Oid, in.Attr, in.Value))

	case msg.TypeGetAttr:
		v, err := d.service.GetAttr(ctx, in.Oid, in.Attr)
		out.Err = kerrors.Code(err)
		out.Value = v

	case msg.TypeLookup:
		oid, n, err := d.service.Lookup(ctx, in.Oid, in.Name)
		out.Err = result(n, err)
		out.Oid = oid

	case msg.TypeLink:
		out.Err = kerrors.Code(d.service.Link(ctx, in.Oid, in.Name, in.Target))

	case msg.TypeUnlink:
		out.Err = kerrors.Code(d.service.Unlink(ctx, in.Oid, in.Name))

	case msg.TypeReaddir:
		buf := make([]byte, min(in.Len, maxIOSize))
		n, err := d.service.Readdir(ctx, in.Oid, in.Offs, buf)
		out.Err = result(n, err)
		if err == nil {
			out.Data = buf[:n]
		}

	default:
		logger.Debug("Unknown message type", slog.String("type", m.Type.String()))
		out.Err = kerrors.EINVAL_NEG
	}
}

// result is n on success and the negative errno otherwise.
func result(n int, err error) int64 {
	if err != nil {
		return kerrors.Code(err)
	}
	return int64(n)
}
