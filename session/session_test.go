package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dsiproject/dsi"
	"github.com/dsiproject/dsi/imagestore"
	"github.com/dsiproject/dsi/progress"
)

// fakeStore is an ImageStore double that keeps backing images as plain files
// in a temp directory and "maps" them by returning their own path, so
// WriteChunk can exercise a real file descriptor without a kernel
// device-mapper node.
type fakeStore struct {
	dir    string
	sizes  map[string]uint64
	mapped map[string]bool
}

func newFakeStore(t *testing.T) *fakeStore {
	return &fakeStore{dir: t.TempDir(), sizes: map[string]uint64{}, mapped: map[string]bool{}}
}

func (f *fakeStore) path(name string) string { return filepath.Join(f.dir, name+".img") }

func (f *fakeStore) BackingImageExists(name string) (bool, error) {
	_, ok := f.sizes[name]
	return ok, nil
}

func (f *fakeStore) BackingImageSize(name string) (uint64, bool, error) {
	sz, ok := f.sizes[name]
	return sz, ok, nil
}

func (f *fakeStore) CreateBackingImage(ctx context.Context, name string, size uint64, flags imagestore.Flags, onProgress imagestore.ProgressFunc) error {
	path := f.path(name)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := file.Truncate(int64(size)); err != nil {
		return err
	}
	if flags.Zeroed {
		buf := make([]byte, size)
		if _, err := file.WriteAt(buf, 0); err != nil {
			return err
		}
		if onProgress != nil && !onProgress(size, size) {
			os.Remove(path)
			return os.ErrClosed
		}
	}
	f.sizes[name] = size
	return nil
}

func (f *fakeStore) DeleteBackingImage(ctx context.Context, name string) error {
	os.Remove(f.path(name))
	delete(f.sizes, name)
	delete(f.mapped, name)
	return nil
}

func (f *fakeStore) MapImageDevice(ctx context.Context, name string, timeout time.Duration) (string, error) {
	if _, ok := f.sizes[name]; !ok {
		return "", &dsi.NotFoundError{Name: name}
	}
	f.mapped[name] = true
	return f.path(name), nil
}

func (f *fakeStore) UnmapImageDevice(ctx context.Context, name string, force bool) error {
	delete(f.mapped, name)
	return nil
}

func (f *fakeStore) Validate(ctx context.Context) (bool, error) { return true, nil }

func TestSystemPartitionStreamingLifecycle(t *testing.T) {
	store := newFakeStore(t)
	prog := progress.New()
	sess := New(Config{
		PartitionName: "system",
		Size:          8192,
		ReadOnly:      true,
		Store:         store,
		Progress:      prog,
	})

	ctx := context.Background()
	if err := sess.Preallocate(ctx); err != nil {
		t.Fatalf("Preallocate: %v", err)
	}
	if sess.State() != Preallocated {
		t.Fatalf("expected Preallocated, got %s", sess.State())
	}

	if err := sess.OpenWriter(ctx); err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if sess.State() != Streaming {
		t.Fatalf("expected Streaming, got %s", sess.State())
	}

	chunk1 := bytes.Repeat([]byte{0xAA}, 4096)
	if err := sess.WriteChunkBytes(ctx, chunk1); err != nil {
		t.Fatalf("WriteChunkBytes 1: %v", err)
	}
	if got := sess.BytesWritten(); got != 4096 {
		t.Fatalf("expected 4096 bytes written, got %d", got)
	}
	if got := prog.Snapshot().Processed; got != 4096 {
		t.Fatalf("expected progress processed=4096, got %d", got)
	}

	chunk2 := bytes.Repeat([]byte{0xBB}, 4096)
	if err := sess.WriteChunkBytes(ctx, chunk2); err != nil {
		t.Fatalf("WriteChunkBytes 2: %v", err)
	}
	if got := sess.BytesWritten(); got != 8192 {
		t.Fatalf("expected all 8192 bytes written, got %d", got)
	}

	if err := sess.Finalize(ctx); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if sess.State() != Finalized {
		t.Fatalf("expected Finalized, got %s", sess.State())
	}
	if got := prog.Snapshot().Status; got != dsi.ProgressComplete {
		t.Fatalf("expected progress COMPLETE, got %v", got)
	}

	data, err := os.ReadFile(store.path("system_gsi"))
	if err != nil {
		t.Fatalf("read backing file: %v", err)
	}
	if !bytes.Equal(data[:4096], chunk1) || !bytes.Equal(data[4096:], chunk2) {
		t.Fatalf("backing file content does not match written chunks")
	}
}

func TestWriteChunkRejectsOverflow(t *testing.T) {
	store := newFakeStore(t)
	sess := New(Config{PartitionName: "system", Size: 100, ReadOnly: true, Store: store})
	ctx := context.Background()
	if err := sess.Preallocate(ctx); err != nil {
		t.Fatalf("Preallocate: %v", err)
	}
	if err := sess.OpenWriter(ctx); err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := sess.WriteChunkBytes(ctx, make([]byte, 200)); err == nil {
		t.Fatalf("expected an error writing more bytes than size")
	}
}

func TestWriteChunkRejectsWhenAbortRaised(t *testing.T) {
	store := newFakeStore(t)
	abort := &AbortSignal{}
	sess := New(Config{PartitionName: "system", Size: 100, ReadOnly: true, Store: store, Abort: abort})
	ctx := context.Background()
	if err := sess.Preallocate(ctx); err != nil {
		t.Fatalf("Preallocate: %v", err)
	}
	if err := sess.OpenWriter(ctx); err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	abort.Raise()
	if err := sess.WriteChunkBytes(ctx, make([]byte, 10)); err == nil {
		t.Fatalf("expected write_chunk to reject once abort is raised")
	}
}

func TestUserdataDefaultSizeAndImmediateFinalize(t *testing.T) {
	store := newFakeStore(t)
	sess := New(Config{PartitionName: "userdata", Size: 0, ReadOnly: false, Store: store})
	ctx := context.Background()

	if err := sess.Preallocate(ctx); err != nil {
		t.Fatalf("Preallocate: %v", err)
	}
	if err := sess.OpenWriter(ctx); err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	// Userdata's open_writer finalizes immediately without any write_chunk
	// calls, since preallocate already zero-formatted the whole image.
	if sess.State() != Finalized {
		t.Fatalf("expected immediate Finalized for userdata, got %s", sess.State())
	}
	if got := sess.BytesWritten(); got != userdataDefaultSize {
		t.Fatalf("expected bytes_written to equal the default userdata size, got %d", got)
	}
}

func TestPreallocateReusesCompatibleExistingImage(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()

	first := New(Config{PartitionName: "userdata", Size: 10 << 20, ReadOnly: false, Store: store})
	if err := first.Preallocate(ctx); err != nil {
		t.Fatalf("first Preallocate: %v", err)
	}
	if err := first.OpenWriter(ctx); err != nil {
		t.Fatalf("first OpenWriter: %v", err)
	}

	second := New(Config{PartitionName: "userdata", Size: 10 << 20, ReadOnly: false, Store: store})
	if err := second.Preallocate(ctx); err != nil {
		t.Fatalf("second Preallocate (reuse): %v", err)
	}
	if second.createdFresh {
		t.Fatalf("expected second session to reuse the existing image, not create fresh")
	}
}

func TestPreallocateRejectsGrowthOfExistingImage(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()

	first := New(Config{PartitionName: "userdata", Size: 1 << 20, ReadOnly: false, Store: store})
	if err := first.Preallocate(ctx); err != nil {
		t.Fatalf("first Preallocate: %v", err)
	}

	second := New(Config{PartitionName: "userdata", Size: 2 << 20, ReadOnly: false, Store: store})
	err := second.Preallocate(ctx)
	if _, ok := err.(*dsi.FileSystemClutteredError); !ok {
		t.Fatalf("expected *dsi.FileSystemClutteredError on growth attempt, got %T: %v", err, err)
	}
}

func TestPreallocateRefusesSelfInstallWhenBooted(t *testing.T) {
	store := newFakeStore(t)
	sess := New(Config{
		PartitionName: "system",
		Size:          1 << 20,
		ReadOnly:      true,
		Store:         store,
		Booted:        func() bool { return true },
	})
	if err := sess.Preallocate(context.Background()); err == nil {
		t.Fatalf("expected preallocate to refuse installing while booted into the installed image")
	}
}

func TestAbortUnwindsFreshlyCreatedImage(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()
	sess := New(Config{PartitionName: "system", Size: 4096, ReadOnly: true, Store: store})

	if err := sess.Preallocate(ctx); err != nil {
		t.Fatalf("Preallocate: %v", err)
	}
	if err := sess.OpenWriter(ctx); err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := sess.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if sess.State() != Aborted {
		t.Fatalf("expected Aborted, got %s", sess.State())
	}
	exists, _ := store.BackingImageExists("system_gsi")
	if exists {
		t.Fatalf("expected freshly created image to be deleted on abort")
	}
}

func TestWriteChunkStreamDrainsFixedBlocks(t *testing.T) {
	store := newFakeStore(t)
	sess := New(Config{PartitionName: "system", Size: 4096, ReadOnly: true, Store: store})
	ctx := context.Background()
	if err := sess.Preallocate(ctx); err != nil {
		t.Fatalf("Preallocate: %v", err)
	}
	if err := sess.OpenWriter(ctx); err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	payload := bytes.Repeat([]byte{0x42}, 4096)
	if err := sess.WriteChunkStream(ctx, bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("WriteChunkStream: %v", err)
	}
	if got := sess.BytesWritten(); got != 4096 {
		t.Fatalf("expected 4096 bytes written, got %d", got)
	}
}

func TestWriteChunkStreamShortReadIsError(t *testing.T) {
	store := newFakeStore(t)
	sess := New(Config{PartitionName: "system", Size: 4096, ReadOnly: true, Store: store})
	ctx := context.Background()
	if err := sess.Preallocate(ctx); err != nil {
		t.Fatalf("Preallocate: %v", err)
	}
	if err := sess.OpenWriter(ctx); err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	short := bytes.NewReader(make([]byte, 100))
	if err := sess.WriteChunkStream(ctx, short, 4096); err == nil {
		t.Fatalf("expected an error when the stream is shorter than the declared length")
	}
}

func TestAbortPreservesReusedImageWithoutWipe(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()

	first := New(Config{PartitionName: "userdata", Size: 1 << 20, ReadOnly: false, Store: store})
	if err := first.Preallocate(ctx); err != nil {
		t.Fatalf("first Preallocate: %v", err)
	}
	if err := first.OpenWriter(ctx); err != nil {
		t.Fatalf("first OpenWriter: %v", err)
	}

	second := New(Config{PartitionName: "userdata", Size: 1 << 20, ReadOnly: false, Store: store})
	if err := second.Preallocate(ctx); err != nil {
		t.Fatalf("second Preallocate: %v", err)
	}
	if err := second.Abort(ctx); err != nil {
		t.Fatalf("second Abort: %v", err)
	}
	exists, _ := store.BackingImageExists("userdata_gsi")
	if !exists {
		t.Fatalf("expected reused image without wipe to survive abort of the second session")
	}
}
