package msg

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/S1riyS/jffs2-server/internal/models"
	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
)

// Namespace hands out ports and maps mount points onto the objects that
// serve them.
type Namespace struct {
	mu       sync.Mutex
	nextPort uint32
	ports    map[uint32]*ChanPort
	mounts   map[string]models.Oid
}

func NewNamespace() *Namespace {
	return &Namespace{
		nextPort: 1,
		ports:    make(map[uint32]*ChanPort),
		mounts:   make(map[string]models.Oid),
	}
}

func (ns *Namespace) CreatePort() *ChanPort {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	p := NewChanPort(ns.nextPort)
	ns.ports[p.ID()] = p
	ns.nextPort++
	return p
}

func (ns *Namespace) Port(id uint32) (*ChanPort, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	p, ok := ns.ports[id]
	return p, ok
}

// Register mounts oid at the absolute path mountPoint.
func (ns *Namespace) Register(mountPoint string, oid models.Oid) error {
	const op = "msg.Namespace.Register"

	if !strings.HasPrefix(mountPoint, "/") {
		return fmt.Errorf("%s: %q is not absolute: %w", op, mountPoint, kerrors.ErrInvalid)
	}
	mountPoint = path.Clean(mountPoint)

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, ok := ns.ports[oid.Port]; !ok {
		return fmt.Errorf("%s: port %d: %w", op, oid.Port, kerrors.ErrNotFound)
	}
	if _, ok := ns.mounts[mountPoint]; ok {
		return fmt.Errorf("%s: %q: %w", op, mountPoint, kerrors.ErrExist)
	}

	ns.mounts[mountPoint] = oid
	return nil
}

// Resolve finds the mount serving p and returns its object together with
// the remainder of p relative to the mount point.
func (ns *Namespace) Resolve(p string) (models.Oid, string, error) {
	const op = "msg.Namespace.Resolve"

	if !strings.HasPrefix(p, "/") {
		return models.Oid{}, "", fmt.Errorf("%s: %q is not absolute: %w", op, p, kerrors.ErrInvalid)
	}
	p = path.Clean(p)

	ns.mu.Lock()
	defer ns.mu.Unlock()

	for mp := p; ; mp = path.Dir(mp) {
		if oid, ok := ns.mounts[mp]; ok {
			rest := strings.TrimPrefix(strings.TrimPrefix(p, mp), "/")
			return oid, rest, nil
		}
		if mp == "/" {
			break
		}
	}

	return models.Oid{}, "", fmt.Errorf("%s: %q: %w", op, p, kerrors.ErrNotFound)
}
