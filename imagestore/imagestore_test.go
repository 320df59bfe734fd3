package imagestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dsiproject/dsi"
	"github.com/dsiproject/dsi/blockextent"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	metaDir := t.TempDir()
	dataDir := t.TempDir()
	s, err := Open(Config{MetadataDir: metaDir, DataDir: dataDir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndDeleteBackingImage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const size = 4 << 20
	if err := s.CreateBackingImage(ctx, "system_gsi", size, Flags{}, nil); err != nil {
		t.Fatalf("CreateBackingImage: %v", err)
	}

	exists, err := s.BackingImageExists("system_gsi")
	if err != nil || !exists {
		t.Fatalf("expected system_gsi to exist, got exists=%v err=%v", exists, err)
	}

	if fi, err := os.Stat(s.dataFilePath("system_gsi")); err != nil || fi.Size() != size {
		t.Fatalf("expected data file of size %d, got stat=%v err=%v", size, fi, err)
	}

	if err := s.DeleteBackingImage(ctx, "system_gsi"); err != nil {
		t.Fatalf("DeleteBackingImage: %v", err)
	}
	exists, err = s.BackingImageExists("system_gsi")
	if err != nil || exists {
		t.Fatalf("expected system_gsi to be gone, got exists=%v err=%v", exists, err)
	}

	// Deleting again is a no-op, not an error.
	if err := s.DeleteBackingImage(ctx, "system_gsi"); err != nil {
		t.Fatalf("DeleteBackingImage on already-deleted image: %v", err)
	}
}

func TestCreateBackingImageAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateBackingImage(ctx, "userdata_gsi", 1<<20, Flags{}, nil); err != nil {
		t.Fatalf("CreateBackingImage: %v", err)
	}
	err := s.CreateBackingImage(ctx, "userdata_gsi", 1<<20, Flags{}, nil)
	if _, ok := err.(*dsi.AlreadyExistsError); !ok {
		t.Fatalf("expected *dsi.AlreadyExistsError, got %T: %v", err, err)
	}
}

func TestCreateBackingImageZeroed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var lastDone, lastTotal uint64
	onProgress := func(done, total uint64) bool {
		lastDone, lastTotal = done, total
		return true
	}

	const size = 2 << 20
	if err := s.CreateBackingImage(ctx, "system_gsi", size, Flags{Zeroed: true}, onProgress); err != nil {
		t.Fatalf("CreateBackingImage: %v", err)
	}
	if lastTotal != size || lastDone != size {
		t.Fatalf("expected progress to reach %d, got done=%d total=%d", size, lastDone, lastTotal)
	}

	data, err := os.ReadFile(s.dataFilePath("system_gsi"))
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("expected zero-filled data file, found nonzero byte at offset %d", i)
		}
	}
}

func TestCreateBackingImageZeroFillAborted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	onProgress := func(done, total uint64) bool { return false }
	err := s.CreateBackingImage(ctx, "system_gsi", 2<<20, Flags{Zeroed: true}, onProgress)
	if err == nil {
		t.Fatalf("expected an error when progress callback aborts")
	}

	// Cleanup on abort must remove the partially written data file.
	if _, statErr := os.Stat(s.dataFilePath("system_gsi")); !os.IsNotExist(statErr) {
		t.Fatalf("expected data file to be cleaned up after aborted zero-fill, stat err: %v", statErr)
	}
	exists, err := s.BackingImageExists("system_gsi")
	if err != nil || exists {
		t.Fatalf("expected no catalog entry after aborted create, got exists=%v err=%v", exists, err)
	}
}

func TestRebuildIndexAfterReopen(t *testing.T) {
	metaDir := t.TempDir()
	dataDir := t.TempDir()

	s, err := Open(Config{MetadataDir: metaDir, DataDir: dataDir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.CreateBackingImage(ctx, "system_gsi", 1<<20, Flags{}, nil); err != nil {
		t.Fatalf("CreateBackingImage: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Config{MetadataDir: metaDir, DataDir: dataDir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	exists, err := s2.BackingImageExists("system_gsi")
	if err != nil || !exists {
		t.Fatalf("expected catalog entry to survive reopen, got exists=%v err=%v", exists, err)
	}
}

// fakeMapper is a devicemapper.Mapper double used to exercise MapImageDevice
// and UnmapImageDevice without touching a real device-mapper node.
type fakeMapper struct {
	createErr error
	devices   map[string]string
}

func newFakeMapper() *fakeMapper { return &fakeMapper{devices: make(map[string]string)} }

func (f *fakeMapper) CreateLinearDevice(ctx context.Context, name, underlying string, extents []blockextent.Extent) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	path := "/dev/mapper/" + name
	f.devices[name] = path
	return path, nil
}

func (f *fakeMapper) DestroyDevice(ctx context.Context, name string, force bool) error {
	delete(f.devices, name)
	return nil
}

func (f *fakeMapper) DeviceExists(ctx context.Context, name string) (bool, error) {
	_, ok := f.devices[name]
	return ok, nil
}

func (f *fakeMapper) DevicePath(name string) string { return "/dev/mapper/" + name }

func TestMapAndUnmapImageDevice(t *testing.T) {
	metaDir := t.TempDir()
	dataDir := t.TempDir()
	mapper := newFakeMapper()
	s, err := Open(Config{MetadataDir: metaDir, DataDir: dataDir, Mapper: mapper})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.CreateBackingImage(ctx, "system_gsi", 1<<20, Flags{}, nil); err != nil {
		t.Fatalf("CreateBackingImage: %v", err)
	}

	devPath, err := s.MapImageDevice(ctx, "system_gsi", 0)
	if err != nil {
		t.Fatalf("MapImageDevice: %v", err)
	}
	if devPath != "/dev/mapper/system_gsi" {
		t.Fatalf("unexpected device path %q", devPath)
	}

	mapped, err := s.IsImageMapped("system_gsi")
	if err != nil || !mapped {
		t.Fatalf("expected system_gsi to be mapped, got mapped=%v err=%v", mapped, err)
	}

	// Mapping again returns the existing mapping rather than erroring.
	devPath2, err := s.MapImageDevice(ctx, "system_gsi", 0)
	if err != nil || devPath2 != devPath {
		t.Fatalf("expected idempotent remap, got %q err=%v", devPath2, err)
	}

	if err := s.UnmapImageDevice(ctx, "system_gsi", false); err != nil {
		t.Fatalf("UnmapImageDevice: %v", err)
	}
	mapped, err = s.IsImageMapped("system_gsi")
	if err != nil || mapped {
		t.Fatalf("expected system_gsi to be unmapped, got mapped=%v err=%v", mapped, err)
	}
}

func TestMapImageDeviceFailsWithoutLoopFallback(t *testing.T) {
	metaDir := t.TempDir()
	dataDir := t.TempDir()
	mapper := newFakeMapper()
	mapper.createErr = os.ErrInvalid

	s, err := Open(Config{MetadataDir: metaDir, DataDir: dataDir, Mapper: mapper})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.CreateBackingImage(ctx, "system_gsi", 1<<20, Flags{}, nil); err != nil {
		t.Fatalf("CreateBackingImage: %v", err)
	}

	// No loop fallback configured: mapping should fail rather than panic.
	if _, err := s.MapImageDevice(ctx, "system_gsi", 0); err == nil {
		t.Fatalf("expected an error when device-mapper fails and no loop fallback is configured")
	}
}

func TestMapImageDeviceNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.MapImageDevice(context.Background(), "does_not_exist", 0); !dsi.IsNotFoundError(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestRemoveAllImagesBySuffix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"system_gsi", "userdata_gsi", "system_other"} {
		if err := s.CreateBackingImage(ctx, name, 1<<20, Flags{}, nil); err != nil {
			t.Fatalf("CreateBackingImage(%s): %v", name, err)
		}
	}

	if err := s.RemoveAllImages(ctx, "_gsi"); err != nil {
		t.Fatalf("RemoveAllImages: %v", err)
	}

	for _, name := range []string{"system_gsi", "userdata_gsi"} {
		exists, _ := s.BackingImageExists(name)
		if exists {
			t.Fatalf("expected %s to be removed", name)
		}
	}
	exists, _ := s.BackingImageExists("system_other")
	if !exists {
		t.Fatalf("expected system_other (no _gsi suffix) to survive the sweep")
	}
}

func TestValidateDetectsTruncatedFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateBackingImage(ctx, "system_gsi", 1<<20, Flags{}, nil); err != nil {
		t.Fatalf("CreateBackingImage: %v", err)
	}

	ok, err := s.Validate(ctx)
	if err != nil || !ok {
		t.Fatalf("expected Validate to pass on an untouched store, got ok=%v err=%v", ok, err)
	}

	if err := os.Truncate(s.dataFilePath("system_gsi"), 1<<10); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	ok, err = s.Validate(ctx)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatalf("expected Validate to detect the extent mismatch after truncation")
	}
}

func TestCheckFreeSpaceRejectsOversizedRequest(t *testing.T) {
	dir := t.TempDir()
	// Requesting far more than any real filesystem holds must fail the raw
	// free-byte check.
	if err := checkFreeSpace(dir, 1<<62); err == nil {
		t.Fatalf("expected checkFreeSpace to reject an oversized request")
	}
}

func TestDataFilePathIsWithinDataDir(t *testing.T) {
	s := newTestStore(t)
	got := s.dataFilePath("system_gsi")
	want := filepath.Join(s.dataDir, "system_gsi.img")
	if got != want {
		t.Fatalf("dataFilePath = %q, want %q", got, want)
	}
}
