package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/S1riyS/jffs2-server/internal/models"
	"github.com/S1riyS/jffs2-server/internal/msg"
	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
	"github.com/S1riyS/jffs2-server/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeService records the calls it receives and answers with canned values.
type fakeService struct {
	mu    sync.Mutex
	calls []string

	err     error
	oid     models.Oid
	n       int
	value   int64
	payload []byte
	bufLen  int
}

func (f *fakeService) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) Port() uint32 { return 1 }

func (f *fakeService) Lookup(ctx context.Context, dir models.Oid, path string) (models.Oid, int, error) {
	f.record("lookup %v %s", dir, path)
	return f.oid, f.n, f.err
}

func (f *fakeService) GetAttr(ctx context.Context, oid models.Oid, attr models.Attr) (int64, error) {
	f.record("getattr %v %d", oid, attr)
	return f.value, f.err
}

func (f *fakeService) SetAttr(ctx context.Context, oid models.Oid, attr models.Attr, value int64) error {
	f.record("setattr %v %d %d", oid, attr, value)
	return f.err
}

func (f *fakeService) Truncate(ctx context.Context, oid models.Oid, size uint64) error {
	f.record("truncate %v %d", oid, size)
	return f.err
}

func (f *fakeService) Link(ctx context.Context, dir models.Oid, name string, target models.Oid) error {
	f.record("link %v %s %v", dir, name, target)
	return f.err
}

func (f *fakeService) Unlink(ctx context.Context, dir models.Oid, name string) error {
	f.record("unlink %v %s", dir, name)
	return f.err
}

func (f *fakeService) Create(ctx context.Context, dir models.Oid, name string, typ models.ObjectType, mode uint32, port uint32) (models.Oid, error) {
	f.record("create %v %s %s %o %d", dir, name, typ, mode, port)
	return f.oid, f.err
}

func (f *fakeService) Destroy(ctx context.Context, oid models.Oid) error {
	f.record("destroy %v", oid)
	return f.err
}

func (f *fakeService) Read(ctx context.Context, oid models.Oid, offs int64, buf []byte) (int, error) {
	f.record("read %v %d", oid, offs)
	f.bufLen = len(buf)
	return copy(buf, f.payload), f.err
}

func (f *fakeService) Write(ctx context.Context, oid models.Oid, offs int64, data []byte) (int, error) {
	f.record("write %v %d %s", oid, offs, data)
	return f.n, f.err
}

func (f *fakeService) Readdir(ctx context.Context, dir models.Oid, offs int64, buf []byte) (int, error) {
	f.record("readdir %v %d", dir, offs)
	f.bufLen = len(buf)
	return copy(buf, f.payload), f.err
}

func testContext() context.Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return logging.MakeContextWithLogger(context.Background(), logger)
}

var oid = models.Oid{Port: 1, ID: 5}

// ============================================================================
// Handle Tests
// ============================================================================

func TestHandle(t *testing.T) {
	t.Run("Read", func(t *testing.T) {
		svc := &fakeService{payload: []byte("data")}
		m := &msg.Msg{Type: msg.TypeRead, I: msg.Input{Oid: oid, Offs: 10, Len: 64}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, []string{"read 1:5 10"}, svc.Calls())
		assert.Equal(t, 64, svc.bufLen)
		assert.Equal(t, int64(4), m.O.Err)
		assert.Equal(t, []byte("data"), m.O.Data)
	})

	t.Run("ReadBufferIsCapped", func(t *testing.T) {
		svc := &fakeService{}
		m := &msg.Msg{Type: msg.TypeRead, I: msg.Input{Oid: oid, Len: 1 << 40}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, maxIOSize, svc.bufLen)
	})

	t.Run("ReadError", func(t *testing.T) {
		svc := &fakeService{err: kerrors.ErrIsDir, payload: []byte("x")}
		m := &msg.Msg{Type: msg.TypeRead, I: msg.Input{Oid: oid, Len: 8}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, -kerrors.EISDIR, m.O.Err)
		assert.Nil(t, m.O.Data)
	})

	t.Run("Write", func(t *testing.T) {
		svc := &fakeService{n: 3}
		m := &msg.Msg{Type: msg.TypeWrite, I: msg.Input{Oid: oid, Offs: 7, Data: []byte("abc")}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, []string{"write 1:5 7 abc"}, svc.Calls())
		assert.Equal(t, int64(3), m.O.Err)
	})

	t.Run("Truncate", func(t *testing.T) {
		svc := &fakeService{}
		m := &msg.Msg{Type: msg.TypeTruncate, I: msg.Input{Oid: oid, Len: 100}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, []string{"truncate 1:5 100"}, svc.Calls())
		assert.Equal(t, int64(0), m.O.Err)
	})

	t.Run("Create", func(t *testing.T) {
		created := models.Oid{Port: 1, ID: 9}
		svc := &fakeService{oid: created}
		m := &msg.Msg{Type: msg.TypeCreate, I: msg.Input{
			Oid: oid, Name: "f", ObjType: models.ObjectTypeDir, Mode: 0o755, Port: 4,
		}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, []string{"create 1:5 f dir 755 4"}, svc.Calls())
		assert.Equal(t, int64(0), m.O.Err)
		assert.Equal(t, created, m.O.Oid)
	})

	t.Run("CreateError", func(t *testing.T) {
		svc := &fakeService{err: fmt.Errorf("wrapped: %w", kerrors.ErrExist)}
		m := &msg.Msg{Type: msg.TypeCreate, I: msg.Input{Oid: oid, Name: "f"}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, -kerrors.EEXIST, m.O.Err)
	})

	t.Run("Destroy", func(t *testing.T) {
		svc := &fakeService{}
		m := &msg.Msg{Type: msg.TypeDestroy, I: msg.Input{Oid: oid}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, []string{"destroy 1:5"}, svc.Calls())
		assert.Equal(t, int64(0), m.O.Err)
	})

	t.Run("SetAttr", func(t *testing.T) {
		svc := &fakeService{}
		m := &msg.Msg{Type: msg.TypeSetAttr, I: msg.Input{Oid: oid, Attr: models.AttrUID, Value: 1000}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, []string{"setattr 1:5 1 1000"}, svc.Calls())
	})

	t.Run("GetAttr", func(t *testing.T) {
		svc := &fakeService{value: 0o100644}
		m := &msg.Msg{Type: msg.TypeGetAttr, I: msg.Input{Oid: oid, Attr: models.AttrMode}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, int64(0), m.O.Err)
		assert.Equal(t, int64(0o100644), m.O.Value)
	})

	t.Run("Lookup", func(t *testing.T) {
		found := models.Oid{Port: 1, ID: 11}
		svc := &fakeService{oid: found, n: 5}
		m := &msg.Msg{Type: msg.TypeLookup, I: msg.Input{Oid: oid, Name: "a/b/c"}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, []string{"lookup 1:5 a/b/c"}, svc.Calls())
		assert.Equal(t, int64(5), m.O.Err)
		assert.Equal(t, found, m.O.Oid)
	})

	t.Run("LookupNotFound", func(t *testing.T) {
		svc := &fakeService{err: kerrors.ErrNotFound}
		m := &msg.Msg{Type: msg.TypeLookup, I: msg.Input{Oid: oid, Name: "x"}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, -kerrors.ENOENT, m.O.Err)
	})

	t.Run("Link", func(t *testing.T) {
		svc := &fakeService{}
		target := models.Oid{Port: 1, ID: 8}
		m := &msg.Msg{Type: msg.TypeLink, I: msg.Input{Oid: oid, Name: "l", Target: target}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, []string{"link 1:5 l 1:8"}, svc.Calls())
	})

	t.Run("Unlink", func(t *testing.T) {
		svc := &fakeService{}
		m := &msg.Msg{Type: msg.TypeUnlink, I: msg.Input{Oid: oid, Name: "l"}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, []string{"unlink 1:5 l"}, svc.Calls())
	})

	t.Run("Readdir", func(t *testing.T) {
		svc := &fakeService{payload: []byte("records")}
		m := &msg.Msg{Type: msg.TypeReaddir, I: msg.Input{Oid: oid, Offs: 2, Len: 4096}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, []string{"readdir 1:5 2"}, svc.Calls())
		assert.Equal(t, 4096, svc.bufLen)
		assert.Equal(t, int64(7), m.O.Err)
		assert.Equal(t, []byte("records"), m.O.Data)
	})

	t.Run("OpenAndCloseSucceed", func(t *testing.T) {
		for _, typ := range []msg.Type{msg.TypeOpen, msg.TypeClose} {
			svc := &fakeService{}
			m := &msg.Msg{Type: typ, I: msg.Input{Oid: oid}, O: msg.Output{Err: -99}}

			New(nil, svc).Handle(testContext(), m)

			assert.Empty(t, svc.Calls())
			assert.Equal(t, int64(0), m.O.Err, typ.String())
		}
	})

	t.Run("DevCtlIsInvalid", func(t *testing.T) {
		svc := &fakeService{}
		m := &msg.Msg{Type: msg.TypeDevCtl}

		New(nil, svc).Handle(testContext(), m)

		assert.Empty(t, svc.Calls())
		assert.Equal(t, kerrors.EINVAL_NEG, m.O.Err)
	})

	t.Run("UnknownTypeIsInvalid", func(t *testing.T) {
		svc := &fakeService{}
		m := &msg.Msg{Type: msg.Type(200)}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, kerrors.EINVAL_NEG, m.O.Err)
	})

	t.Run("UncodedErrorIsIO", func(t *testing.T) {
		svc := &fakeService{err: fmt.Errorf("disk on fire")}
		m := &msg.Msg{Type: msg.TypeUnlink, I: msg.Input{Oid: oid, Name: "x"}}

		New(nil, svc).Handle(testContext(), m)

		assert.Equal(t, kerrors.EIO_NEG, m.O.Err)
	})
}

// ============================================================================
// Run Tests
// ============================================================================

func TestRun(t *testing.T) {
	t.Run("AnswersInOrderUntilClosed", func(t *testing.T) {
		port := msg.NewChanPort(1)
		svc := &fakeService{}
		d := New(port, svc)

		done := make(chan error, 1)
		go func() { done <- d.Run(testContext()) }()

		ctx := context.Background()
		for _, name := range []string{"a", "b", "c"} {
			resp, err := port.Call(ctx, &msg.Msg{Type: msg.TypeUnlink, I: msg.Input{Oid: oid, Name: name}})
			require.NoError(t, err)
			assert.Equal(t, int64(0), resp.O.Err)
		}

		port.Close()
		require.NoError(t, <-done)
		assert.Equal(t, []string{"unlink 1:5 a", "unlink 1:5 b", "unlink 1:5 c"}, svc.Calls())
	})

	t.Run("MalformedRequestGetsEmptyResponse", func(t *testing.T) {
		port := msg.NewChanPort(1)
		svc := &fakeService{}
		d := New(port, svc)

		done := make(chan error, 1)
		go func() { done <- d.Run(testContext()) }()

		resp, err := port.Call(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, &msg.Msg{}, resp)

		// The loop keeps serving.
		resp, err = port.Call(context.Background(), &msg.Msg{Type: msg.TypeDevCtl})
		require.NoError(t, err)
		assert.Equal(t, kerrors.EINVAL_NEG, resp.O.Err)

		port.Close()
		require.NoError(t, <-done)
		assert.Empty(t, svc.Calls())
	})

	t.Run("StopsOnContextDone", func(t *testing.T) {
		port := msg.NewChanPort(1)
		d := New(port, &fakeService{})

		ctx, cancel := context.WithTimeout(testContext(), 20*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, d.Run(ctx), context.DeadlineExceeded)
	})
}
