package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/S1riyS/jffs2-server/internal/models"
	"github.com/S1riyS/jffs2-server/internal/msg"
	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
	"github.com/S1riyS/jffs2-server/pkg/binary"
	"github.com/S1riyS/jffs2-server/pkg/logging"
	"github.com/S1riyS/jffs2-server/pkg/logging/slogext"
)

// maxMessageSize bounds a request body.
const maxMessageSize = 2 << 20

// Caller delivers a message to a server port and waits for its response.
type Caller interface {
	Call(ctx context.Context, m *msg.Msg) (*msg.Msg, error)
}

// Resolver maps a path onto the object of the mount serving it.
type Resolver interface {
	Resolve(path string) (models.Oid, string, error)
}

type Handler struct {
	port    Caller
	ns      Resolver
	timeout time.Duration
}

func NewHandler(port Caller, ns Resolver, timeout time.Duration) *Handler {
	return &Handler{port: port, ns: ns, timeout: timeout}
}

// HandleMessage forwards an XDR encoded message to the server and writes
// back its XDR encoded response. A body that cannot be decoded is still
// delivered, as a malformed request, and answered with 400.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleMessage"

	ctx := r.Context()
	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := http.StatusOK
	m, err := msg.Decode(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		logger.Debug("Malformed message", slogext.Err(err))
		status = http.StatusBadRequest
		m = nil
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	resp, err := h.port.Call(ctx, m)
	if err != nil {
		logger.Error("Failed to call server", slogext.Err(err))
		code := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), code)
		return
	}

	var body bytes.Buffer
	if err := msg.Encode(&body, resp); err != nil {
		logger.Error("Failed to encode response", slogext.Err(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(status)
	if _, err := w.Write(body.Bytes()); err != nil {
		logger.Debug("Failed to write response", slogext.Err(err))
	}
}

// HandleMount reports the object mounted at the query path as a return
// code followed by the encoded oid.
func (h *Handler) HandleMount(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleMount"

	ctx := r.Context()
	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	oid, _, err := h.ns.Resolve(path)
	if err != nil {
		logger.Debug("Mount not found", slog.String("path", path), slogext.Err(err))
		binary.WriteResponse(w, kerrors.Code(err), nil)
		return
	}

	data, err := binary.EncodeOid(oid)
	if err != nil {
		binary.WriteResponse(w, kerrors.EIO_NEG, nil)
		return
	}

	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	response := `{"status":"ok","service":"jffs2-server"}`
	w.Write([]byte(response))
}
