package jffs2

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/S1riyS/jffs2-server/internal/pkg/kerrors"
	"github.com/S1riyS/jffs2-server/internal/storage/memory"
	"github.com/S1riyS/jffs2-server/pkg/logging"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testContext() context.Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return logging.MakeContextWithLogger(context.Background(), logger)
}

func testClock() *timeutil.SimulatedClock {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return clock
}

func mountTest(t *testing.T, store *memory.Store, compr uint8) *Engine {
	t.Helper()

	e, err := Mount(testContext(), store, Options{
		Capacity:    1 << 20,
		Compression: compr,
		Clock:       testClock(),
	})
	require.NoError(t, err)
	return e
}

func igetRoot(t *testing.T, e *Engine) *Inode {
	t.Helper()

	root, err := e.Iget(testContext(), RootIno)
	require.NoError(t, err)
	t.Cleanup(func() { e.Iput(testContext(), root) })
	return root
}

// writeFile stores data at offset and sets the size the way a caller of
// WriteInodeRange does.
func writeFile(t *testing.T, e *Engine, in *Inode, data []byte, offset uint32) {
	t.Helper()

	in.Lock()
	ri := &RawInode{Mode: in.Mode, Isize: max(in.Size, offset+uint32(len(data)))}
	in.Unlock()

	n, err := e.WriteInodeRange(testContext(), in, ri, data, offset)
	require.NoError(t, err)
	require.Equal(t, uint32(len(data)), n)

	in.Lock()
	in.Size = max(in.Size, offset+n)
	in.Unlock()
}

func readFile(t *testing.T, e *Engine, in *Inode, offset, n uint32) []byte {
	t.Helper()

	buf := make([]byte, n)
	in.Lock()
	defer in.Unlock()
	require.NoError(t, e.ReadInodeRange(testContext(), in, buf, offset))
	return buf
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ byte(i>>8)
	}
	return b
}

// ============================================================================
// Mount Tests
// ============================================================================

func TestMountFormatsEmptyStore(t *testing.T) {
	store := memory.New()
	e := mountTest(t, store, ComprNone)

	root := igetRoot(t, e)
	assert.True(t, IsDir(root.Mode))
	assert.Equal(t, RootIno, e.Parent(root))
	assert.Equal(t, 1, store.Live())

	used, capacity := e.Statfs()
	assert.Equal(t, uint64(RawInodeSize), used)
	assert.Equal(t, uint64(1<<20), capacity)
}

func TestRemountReplaysState(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	e := mountTest(t, store, ComprZlib)
	root := igetRoot(t, e)

	dir, err := e.Mkdir(ctx, root, "docs", 0o750)
	require.NoError(t, err)
	file, err := e.Create(ctx, dir, "notes", 0o644)
	require.NoError(t, err)
	gone, err := e.Create(ctx, root, "tmp", 0o600)
	require.NoError(t, err)

	data := pattern(2*PageSize + 300)
	writeFile(t, e, file, data, 0)
	writeFile(t, e, file, []byte("patched"), 10)
	copy(data[10:], "patched")

	require.NoError(t, e.Setattr(ctx, file, &Iattr{Valid: IattrUID | IattrGID, UID: 1000, GID: 100}))
	require.NoError(t, e.Link(ctx, file, root, "notes-link"))
	require.NoError(t, e.Unlink(ctx, root, gone, "tmp"))

	fileIno, dirIno, goneIno := file.Ino(), dir.Ino(), gone.Ino()
	e.Iput(ctx, gone)
	e.Iput(ctx, file)
	e.Iput(ctx, dir)

	usedBefore, _ := e.Statfs()
	liveBefore := store.Live()

	re := mountTest(t, store, ComprZlib)

	usedAfter, _ := re.Statfs()
	assert.Equal(t, usedBefore, usedAfter)
	assert.Equal(t, liveBefore, store.Live())

	reRoot := igetRoot(t, re)

	got, err := re.Lookup(ctx, reRoot, "docs")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dirIno, got.Ino())
	assert.Equal(t, uint32(S_IFDIR|0o750), got.Mode)
	re.Iput(ctx, got)

	got, err = re.Lookup(ctx, reRoot, "tmp")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = re.Iget(ctx, goneIno)
	assert.ErrorIs(t, err, kerrors.ErrNotFound)

	reFile, err := re.Iget(ctx, fileIno)
	require.NoError(t, err)
	defer re.Iput(ctx, reFile)

	assert.Equal(t, uint32(2), re.Nlink(reFile))
	assert.Equal(t, uint32(len(data)), reFile.Size)
	assert.Equal(t, uint16(1000), reFile.UID)
	assert.Equal(t, uint16(100), reFile.GID)
	assert.Equal(t, data, readFile(t, re, reFile, 0, uint32(len(data))))

	entries, err := re.Readdir(ctx, reRoot)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, d := range entries {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"docs", "notes-link"}, names)
}

func TestRemountKeepsTruncatedRangeZeroed(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	e := mountTest(t, store, ComprLZ4)
	root := igetRoot(t, e)

	grown, err := e.Create(ctx, root, "grown", 0o644)
	require.NoError(t, err)
	rewritten, err := e.Create(ctx, root, "rewritten", 0o644)
	require.NoError(t, err)

	for _, in := range []*Inode{grown, rewritten} {
		writeFile(t, e, in, bytes.Repeat([]byte{0xaa}, PageSize+100), 0)
		require.NoError(t, e.Setattr(ctx, in, &Iattr{Valid: IattrSize, Size: 10}))
		require.NoError(t, e.Setattr(ctx, in, &Iattr{Valid: IattrSize, Size: 200}))
	}
	writeFile(t, e, rewritten, []byte("tail"), 150)

	wantGrown := append(bytes.Repeat([]byte{0xaa}, 10), make([]byte, 190)...)
	wantRewritten := append([]byte{}, wantGrown...)
	copy(wantRewritten[150:], "tail")

	assert.Equal(t, wantGrown, readFile(t, e, grown, 0, 200))
	assert.Equal(t, wantRewritten, readFile(t, e, rewritten, 0, 200))

	grownIno, rewrittenIno := grown.Ino(), rewritten.Ino()
	e.Iput(ctx, grown)
	e.Iput(ctx, rewritten)

	re := mountTest(t, store, ComprLZ4)
	for ino, want := range map[uint32][]byte{grownIno: wantGrown, rewrittenIno: wantRewritten} {
		in, err := re.Iget(ctx, ino)
		require.NoError(t, err)

		assert.Equal(t, uint32(200), in.Size)
		assert.Equal(t, want, readFile(t, re, in, 0, 200))
		re.Iput(ctx, in)
	}
}

func TestMountSkipsCorruptedNodes(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	e := mountTest(t, store, ComprNone)
	root := igetRoot(t, e)

	file, err := e.Create(ctx, root, "f", 0o644)
	require.NoError(t, err)
	writeFile(t, e, file, []byte("intact"), 0)
	e.Iput(ctx, file)

	ri := &RawInode{
		Header:  Header{Magic: Magic, NodeType: NodeTypeInode, Totlen: RawInodeSize + 4},
		Ino:     file.Ino(),
		Version: 100,
		Mode:    S_IFREG | 0o644,
		Isize:   4,
		Csize:   4,
		Dsize:   4,
		DataCRC: crc([]byte("evil")),
	}
	ri.UpdateCRCs()
	raw := marshalInode(ri, []byte("evil"))
	raw[len(raw)-1] ^= 0xff

	_, err = store.Append(ctx, raw)
	require.NoError(t, err)
	_, err = store.Append(ctx, []byte("garbage"))
	require.NoError(t, err)

	liveBefore := store.Live()
	re := mountTest(t, store, ComprNone)
	assert.Equal(t, liveBefore-2, store.Live())

	reRoot := igetRoot(t, re)
	reFile, err := re.Lookup(ctx, reRoot, "f")
	require.NoError(t, err)
	require.NotNil(t, reFile)
	defer re.Iput(ctx, reFile)

	assert.Equal(t, uint32(6), reFile.Size)
	assert.Equal(t, []byte("intact"), readFile(t, re, reFile, 0, 6))
}

func TestMountDropsUnreferencedInodes(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	_ = mountTest(t, store, ComprNone)

	ri := &RawInode{
		Header:  Header{Magic: Magic, NodeType: NodeTypeInode, Totlen: RawInodeSize},
		Ino:     50,
		Version: 1,
		Mode:    S_IFREG | 0o644,
		DataCRC: crc(nil),
	}
	ri.UpdateCRCs()
	_, err := store.Append(ctx, marshalInode(ri, nil))
	require.NoError(t, err)

	re := mountTest(t, store, ComprNone)

	_, err = re.Iget(ctx, 50)
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
	assert.Equal(t, 1, store.Live())
}

// ============================================================================
// Directory Tests
// ============================================================================

func TestDirectoryOperations(t *testing.T) {
	ctx := testContext()
	e := mountTest(t, memory.New(), ComprNone)
	root := igetRoot(t, e)

	dir, err := e.Mkdir(ctx, root, "dir", 0o755)
	require.NoError(t, err)
	defer e.Iput(ctx, dir)

	file, err := e.Create(ctx, dir, "file", 0o644)
	require.NoError(t, err)
	defer e.Iput(ctx, file)

	t.Run("LookupFindsChild", func(t *testing.T) {
		in, err := e.Lookup(ctx, dir, "file")
		require.NoError(t, err)
		require.NotNil(t, in)
		assert.Same(t, file, in)
		assert.Equal(t, dir.Ino(), e.Parent(in))
		e.Iput(ctx, in)
	})

	t.Run("LookupMissIsNil", func(t *testing.T) {
		in, err := e.Lookup(ctx, dir, "nope")
		require.NoError(t, err)
		assert.Nil(t, in)
	})

	t.Run("CreateRejectsDuplicate", func(t *testing.T) {
		_, err := e.Create(ctx, dir, "file", 0o644)
		assert.ErrorIs(t, err, kerrors.ErrExist)
	})

	t.Run("CreateRejectsBadName", func(t *testing.T) {
		_, err := e.Create(ctx, dir, "a/b", 0o644)
		assert.ErrorIs(t, err, kerrors.ErrInvalid)
		_, err = e.Create(ctx, dir, string(bytes.Repeat([]byte("x"), maxNameLen+1)), 0o644)
		assert.ErrorIs(t, err, kerrors.ErrInvalid)
	})

	t.Run("CreateInFileIsNotADirectory", func(t *testing.T) {
		_, err := e.Create(ctx, file, "x", 0o644)
		assert.ErrorIs(t, err, kerrors.ErrNotDir)
	})

	t.Run("LinkDirectoryIsNotPermitted", func(t *testing.T) {
		assert.ErrorIs(t, e.Link(ctx, dir, root, "again"), kerrors.ErrPerm)
	})

	t.Run("ReaddirListsChildren", func(t *testing.T) {
		entries, err := e.Readdir(ctx, dir)
		require.NoError(t, err)
		assert.Equal(t, []DirEntry{{Name: "file", Ino: file.Ino(), Type: DT_REG}}, entries)

		_, err = e.Readdir(ctx, file)
		assert.ErrorIs(t, err, kerrors.ErrNotDir)
	})

	t.Run("UnlinkNonEmptyDirectory", func(t *testing.T) {
		assert.ErrorIs(t, e.Unlink(ctx, root, dir, "dir"), kerrors.ErrNotEmpty)
	})

	t.Run("UnlinkWrongTarget", func(t *testing.T) {
		assert.ErrorIs(t, e.Unlink(ctx, root, file, "dir"), kerrors.ErrNotFound)
	})

	t.Run("UnlinkDropsLink", func(t *testing.T) {
		require.NoError(t, e.Unlink(ctx, dir, file, "file"))
		assert.Equal(t, uint32(0), e.Nlink(file))

		in, err := e.Lookup(ctx, dir, "file")
		require.NoError(t, err)
		assert.Nil(t, in)
	})
}

func TestIputEvictsUnlinkedInode(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	e := mountTest(t, store, ComprNone)
	root := igetRoot(t, e)

	file, err := e.Create(ctx, root, "f", 0o644)
	require.NoError(t, err)
	writeFile(t, e, file, pattern(100), 0)

	require.NoError(t, e.Unlink(ctx, root, file, "f"))

	// Still referenced: the data stays readable.
	assert.Equal(t, pattern(100), readFile(t, e, file, 0, 100))

	e.Iput(ctx, file)

	_, err = e.Iget(ctx, file.Ino())
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
	assert.Equal(t, 1, store.Live())

	used, _ := e.Statfs()
	assert.Equal(t, uint64(RawInodeSize), used)
}

func TestReferenceMisuse(t *testing.T) {
	ctx := testContext()
	e := mountTest(t, memory.New(), ComprNone)
	root := igetRoot(t, e)

	file, err := e.Create(ctx, root, "f", 0o644)
	require.NoError(t, err)
	e.Iput(ctx, file)

	assert.Panics(t, func() { e.Iput(ctx, file) })

	fn := &FullDnode{}
	e.FreeFullDnode(fn)
	assert.Panics(t, func() { e.FreeFullDnode(fn) })
}

// ============================================================================
// Data Tests
// ============================================================================

func TestWriteReadCompression(t *testing.T) {
	for _, compr := range []uint8{ComprNone, ComprZlib, ComprLZ4} {
		t.Run(ComprName(compr), func(t *testing.T) {
			ctx := testContext()
			store := memory.New()
			e := mountTest(t, store, compr)
			root := igetRoot(t, e)

			file, err := e.Create(ctx, root, "f", 0o644)
			require.NoError(t, err)
			defer e.Iput(ctx, file)

			data := bytes.Repeat([]byte("jffs2 compresses well "), 600)
			writeFile(t, e, file, data, 123)

			assert.Equal(t, data, readFile(t, e, file, 123, uint32(len(data))))
			assert.Equal(t, make([]byte, 123), readFile(t, e, file, 0, 123))

			used, _ := e.Statfs()
			if compr == ComprNone {
				assert.Greater(t, used, uint64(len(data)))
			} else {
				assert.Less(t, used, uint64(len(data)))
			}
		})
	}
}

func TestOverwriteObsoletesShadowedNodes(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	e := mountTest(t, store, ComprNone)
	root := igetRoot(t, e)

	file, err := e.Create(ctx, root, "f", 0o644)
	require.NoError(t, err)
	defer e.Iput(ctx, file)

	writeFile(t, e, file, pattern(PageSize), 0)
	live := store.Live()

	writeFile(t, e, file, bytes.Repeat([]byte{0xaa}, PageSize), 0)
	assert.Equal(t, live, store.Live())

	writeFile(t, e, file, []byte{1, 2, 3}, 10)
	assert.Equal(t, live+1, store.Live())

	got := readFile(t, e, file, 8, 7)
	assert.Equal(t, []byte{0xaa, 0xaa, 1, 2, 3, 0xaa, 0xaa}, got)
}

func TestWriteRejectsDirectory(t *testing.T) {
	ctx := testContext()
	e := mountTest(t, memory.New(), ComprNone)
	root := igetRoot(t, e)

	_, err := e.WriteInodeRange(ctx, root, &RawInode{Mode: root.Mode}, []byte("x"), 0)
	assert.ErrorIs(t, err, kerrors.ErrIsDir)
}

func TestOutOfSpace(t *testing.T) {
	ctx := testContext()
	e, err := Mount(ctx, memory.New(), Options{Capacity: uint64(RawInodeSize) * 3, Clock: testClock()})
	require.NoError(t, err)
	root := igetRoot(t, e)

	file, err := e.Create(ctx, root, "f", 0o644)
	require.NoError(t, err)
	defer e.Iput(ctx, file)

	_, err = e.Create(ctx, root, "g", 0o644)
	assert.ErrorIs(t, err, kerrors.ErrNoSpace)

	n, err := e.WriteInodeRange(ctx, file, &RawInode{Mode: file.Mode, Isize: PageSize}, pattern(PageSize), 0)
	assert.ErrorIs(t, err, kerrors.ErrNoSpace)
	assert.Equal(t, uint32(0), n)

	// A failed reservation leaves the allocator usable.
	used, capacity := e.Statfs()
	require.NoError(t, e.ReserveSpace(ctx, uint32(capacity-used)))
	e.CompleteReservation()
}

func TestSetattrResize(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	e := mountTest(t, store, ComprNone)
	root := igetRoot(t, e)

	file, err := e.Create(ctx, root, "f", 0o644)
	require.NoError(t, err)
	defer e.Iput(ctx, file)

	writeFile(t, e, file, []byte("hello world"), 0)

	t.Run("Shrink", func(t *testing.T) {
		require.NoError(t, e.Setattr(ctx, file, &Iattr{Valid: IattrSize, Size: 5}))
		assert.Equal(t, uint32(5), file.Size)
		assert.Equal(t, []byte("hello\x00\x00"), readFile(t, e, file, 0, 7))
	})

	t.Run("Grow", func(t *testing.T) {
		require.NoError(t, e.Setattr(ctx, file, &Iattr{Valid: IattrSize, Size: 9}))
		assert.Equal(t, uint32(9), file.Size)
		assert.Equal(t, []byte("hello\x00\x00\x00\x00"), readFile(t, e, file, 0, 9))
	})

	t.Run("DirectorySizeIsRejected", func(t *testing.T) {
		assert.ErrorIs(t, e.Setattr(ctx, root, &Iattr{Valid: IattrSize, Size: 1}), kerrors.ErrIsDir)
	})

	t.Run("SurvivesRemount", func(t *testing.T) {
		re := mountTest(t, store, ComprNone)
		in, err := re.Iget(ctx, file.Ino())
		require.NoError(t, err)
		defer re.Iput(ctx, in)

		assert.Equal(t, uint32(9), in.Size)
		assert.Equal(t, []byte("hello\x00\x00\x00\x00"), readFile(t, re, in, 0, 9))
	})
}

func TestWriteDnodeValidation(t *testing.T) {
	ctx := testContext()
	e := mountTest(t, memory.New(), ComprNone)
	root := igetRoot(t, e)

	file, err := e.Create(ctx, root, "f", 0o644)
	require.NoError(t, err)
	defer e.Iput(ctx, file)

	require.NoError(t, e.ReserveSpace(ctx, RawInodeSize))
	defer e.CompleteReservation()

	file.Lock()
	defer file.Unlock()

	t.Run("ForeignInode", func(t *testing.T) {
		ri := file.metadataNode()
		ri.Ino = root.Ino()
		ri.UpdateCRCs()
		_, err := e.WriteDnode(ctx, file, ri, nil)
		assert.ErrorIs(t, err, kerrors.ErrInvalid)
	})

	t.Run("StaleChecksum", func(t *testing.T) {
		ri := file.metadataNode()
		ri.UID = 7
		_, err := e.WriteDnode(ctx, file, ri, nil)
		assert.ErrorIs(t, err, kerrors.ErrIO)
	})

	t.Run("MetadataNodeHasNoRange", func(t *testing.T) {
		fn, err := e.WriteDnode(ctx, file, file.metadataNode(), nil)
		require.NoError(t, err)
		assert.ErrorIs(t, e.AddFullDnodeToInode(ctx, file, fn), kerrors.ErrInvalid)
		e.discard(ctx, fn)
	})
}
