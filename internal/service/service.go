package service

import (
	"context"

	"github.com/S1riyS/jffs2-server/internal/jffs2"
	"github.com/S1riyS/jffs2-server/internal/models"
	"github.com/jacobsa/timeutil"
)

// Engine is the part of the jffs2 engine the server relies on.
type Engine interface {
	Iget(ctx context.Context, ino uint32) (*jffs2.Inode, error)
	Iput(ctx context.Context, in *jffs2.Inode)
	Parent(in *jffs2.Inode) uint32

	Lookup(ctx context.Context, dir *jffs2.Inode, name string) (*jffs2.Inode, error)
	Create(ctx context.Context, dir *jffs2.Inode, name string, mode uint32) (*jffs2.Inode, error)
	Mkdir(ctx context.Context, dir *jffs2.Inode, name string, mode uint32) (*jffs2.Inode, error)
	Link(ctx context.Context, target, dir *jffs2.Inode, name string) error
	Unlink(ctx context.Context, dir, target *jffs2.Inode, name string) error
	Readdir(ctx context.Context, dir *jffs2.Inode) ([]jffs2.DirEntry, error)
	Setattr(ctx context.Context, in *jffs2.Inode, attr *jffs2.Iattr) error

	ReserveSpace(ctx context.Context, n uint32) error
	CompleteReservation()
	WriteDnode(ctx context.Context, in *jffs2.Inode, ri *jffs2.RawInode, data []byte) (*jffs2.FullDnode, error)
	AddFullDnodeToInode(ctx context.Context, in *jffs2.Inode, fn *jffs2.FullDnode) error
	MarkNodeObsolete(ctx context.Context, raw jffs2.NodeRef) error
	FreeFullDnode(fn *jffs2.FullDnode)

	ReadInodeRange(ctx context.Context, in *jffs2.Inode, buf []byte, offset uint32) error
	WriteInodeRange(ctx context.Context, in *jffs2.Inode, ri *jffs2.RawInode, data []byte, offset uint32) (uint32, error)
}

var _ Engine = (*jffs2.Engine)(nil)

type FileSystemService interface {
	// Port is the endpoint owning the objects of this filesystem.
	Port() uint32

	Lookup(ctx context.Context, dir models.Oid, path string) (models.Oid, int, error)
	GetAttr(ctx context.Context, oid models.Oid, attr models.Attr) (int64, error)
	SetAttr(ctx context.Context, oid models.Oid, attr models.Attr, value int64) error
	Truncate(ctx context.Context, oid models.Oid, size uint64) error

	Link(ctx context.Context, dir models.Oid, name string, target models.Oid) error
	Unlink(ctx context.Context, dir models.Oid, name string) error
	Create(ctx context.Context, dir models.Oid, name string, typ models.ObjectType, mode uint32, port uint32) (models.Oid, error)
	Destroy(ctx context.Context, oid models.Oid) error

	Read(ctx context.Context, oid models.Oid, offs int64, buf []byte) (int, error)
	Write(ctx context.Context, oid models.Oid, offs int64, data []byte) (int, error)
	Readdir(ctx context.Context, dir models.Oid, offs int64, buf []byte) (int, error)
}

type fileSystemService struct {
	engine Engine
	port   uint32
	clock  timeutil.Clock
}

func NewFileSystemService(engine Engine, port uint32, clock timeutil.Clock) FileSystemService {
	return &fileSystemService{
		engine: engine,
		port:   port,
		clock:  clock,
	}
}

func (s *fileSystemService) Port() uint32 {
	return s.port
}

func (s *fileSystemService) now() uint32 {
	return uint32(s.clock.Now().Unix())
}

// withInode runs fn with a reference to inode id, dropped when fn returns.
func (s *fileSystemService) withInode(ctx context.Context, id uint32, fn func(in *jffs2.Inode) error) error {
	in, err := s.engine.Iget(ctx, id)
	if err != nil {
		return err
	}
	defer s.engine.Iput(ctx, in)

	return fn(in)
}

// withLocked is withInode holding the inode lock for the duration of fn.
func (s *fileSystemService) withLocked(ctx context.Context, id uint32, fn func(in *jffs2.Inode) error) error {
	return s.withInode(ctx, id, func(in *jffs2.Inode) error {
		in.Lock()
		defer in.Unlock()

		return fn(in)
	})
}

func objectType(mode uint32) models.ObjectType {
	switch {
	case jffs2.IsDir(mode):
		return models.ObjectTypeDir
	case jffs2.IsReg(mode):
		return models.ObjectTypeFile
	case jffs2.IsChr(mode):
		return models.ObjectTypeDev
	default:
		return models.ObjectTypeUnknown
	}
}

func direntType(dt uint8) models.ObjectType {
	switch dt {
	case jffs2.DT_DIR:
		return models.ObjectTypeDir
	case jffs2.DT_REG:
		return models.ObjectTypeFile
	case jffs2.DT_CHR:
		return models.ObjectTypeDev
	default:
		return models.ObjectTypeUnknown
	}
}
