// Package imagestore implements the per-(metadata-dir, data-dir) catalog of
// backing images: creating, deleting, zero-filling, mapping, and
// enumerating them.
//
// # Usage
//
//	store, err := imagestore.Open(imagestore.Config{
//		MetadataDir: "/metadata/gsi/dsu",
//		DataDir:     "/data/gsi/dsu",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	err = store.CreateBackingImage(ctx, "system_gsi", 10<<20, imagestore.Flags{}, nil)
//
// # Persistence
//
// The catalog lives in a bbolt database at metadata_dir/catalog.db, one
// key per backing image name. A go-memdb secondary index (name, read-only
// flag) mirrors it in memory, is rebuilt from bbolt at Open and kept in
// sync on every put/delete; enumeration (RemoveAllImages, Validate) reads
// the bbolt bucket directly and does not query the index.
package imagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	bolt "go.etcd.io/bbolt"

	"github.com/dsiproject/dsi"
	"github.com/dsiproject/dsi/blockextent"
	"github.com/dsiproject/dsi/devicemapper"
	"github.com/dsiproject/dsi/ptable"
)

// minFreeFraction is the fraction of data_dir's filesystem that must remain
// free after accounting for a new allocation, per SPEC_FULL.md §4.1's
// 40%-free-space rule.
const minFreeFraction = 0.40

const catalogBucket = "backing_images"

// Flags are the persisted per-image flags from SPEC_FULL.md's data model.
type Flags struct {
	ReadOnly bool
	Zeroed   bool
}

// Image is the full persisted record for one backing image.
type Image struct {
	Name         string
	DataFile     string
	MetadataBlob []byte
	Extents      []blockextent.Extent
	Flags        Flags
	Size         uint64
}

// ProgressFunc is the image-creation progress callback: the backend invokes
// it periodically during zero-fill with (bytesDone, total); returning false
// requests cancellation.
type ProgressFunc func(bytesDone, total uint64) bool

// Config configures an ImageStore.
type Config struct {
	MetadataDir string
	DataDir     string
	Backend     blockextent.Backend
	Mapper      devicemapper.Mapper
	Loop        *devicemapper.LoopMapper
	Codec       ptable.Codec
	Logger      logrus.FieldLogger
}

// mappedEntry tracks an ephemeral mapped-image resource.
type mappedEntry struct {
	devicePath string
	viaLoop    bool
}

// Store is the per-(metadata-dir, data-dir) catalog of backing images.
type Store struct {
	metadataDir string
	dataDir     string
	backend     blockextent.Backend
	mapper      devicemapper.Mapper
	loop        *devicemapper.LoopMapper
	codec       ptable.Codec
	logger      logrus.FieldLogger

	db  *bolt.DB
	idx *memdb.MemDB

	mu     sync.Mutex
	mapped map[string]mappedEntry
}

var memdbSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"image": {
			Name: "image",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Name"},
				},
				"readonly": {
					Name:    "readonly",
					Indexer: &memdb.BoolFieldIndex{Field: "ReadOnly"},
				},
			},
		},
	},
}

// indexRecord is the go-memdb record shape for the secondary index.
type indexRecord struct {
	Name     string
	ReadOnly bool
}

// Open validates metadata_dir and data_dir exist, opens the bbolt catalog,
// and rebuilds the in-memory secondary index from it.
func Open(cfg Config) (*Store, error) {
	if fi, err := os.Stat(cfg.MetadataDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("imagestore: metadata_dir invalid: %w", err)
	}
	if fi, err := os.Stat(cfg.DataDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("imagestore: data_dir invalid: %w", err)
	}
	if cfg.Backend == nil {
		cfg.Backend = blockextent.NewFileBackend()
	}
	if cfg.Codec == nil {
		cfg.Codec = ptable.NewGobCodec()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	db, err := bolt.Open(filepath.Join(cfg.MetadataDir, "catalog.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("imagestore: open catalog: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(catalogBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("imagestore: init catalog bucket: %w", err)
	}

	idx, err := memdb.NewMemDB(memdbSchema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("imagestore: init index: %w", err)
	}

	s := &Store{
		metadataDir: cfg.MetadataDir,
		dataDir:     cfg.DataDir,
		backend:     cfg.Backend,
		mapper:      cfg.Mapper,
		loop:        cfg.Loop,
		codec:       cfg.Codec,
		logger:      cfg.Logger.WithField("component", "imagestore"),
		db:          db,
		idx:         idx,
		mapped:      make(map[string]mappedEntry),
	}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	txn := s.idx.Txn(true)
	defer txn.Abort()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(catalogBucket))
		return b.ForEach(func(k, v []byte) error {
			var img Image
			if err := json.Unmarshal(v, &img); err != nil {
				return fmt.Errorf("imagestore: corrupt catalog entry %q: %w", k, err)
			}
			return txn.Insert("image", indexRecord{Name: img.Name, ReadOnly: img.Flags.ReadOnly})
		})
	})
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Close releases the catalog database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) dataFilePath(name string) string {
	return filepath.Join(s.dataDir, name+".img")
}

func (s *Store) metadataBlobPath(name string) string {
	return filepath.Join(s.metadataDir, name+".lp")
}

func (s *Store) getImage(name string) (Image, bool, error) {
	var img Image
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(catalogBucket)).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &img)
	})
	return img, found, err
}

func (s *Store) putImage(img Image) error {
	blob, err := json.Marshal(img)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(catalogBucket)).Put([]byte(img.Name), blob)
	}); err != nil {
		return err
	}
	txn := s.idx.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("image", indexRecord{Name: img.Name, ReadOnly: img.Flags.ReadOnly}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) deleteImage(name string) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(catalogBucket)).Delete([]byte(name))
	}); err != nil {
		return err
	}
	txn := s.idx.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll("image", "id", name); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// BackingImageExists reports whether a catalog entry exists for name.
func (s *Store) BackingImageExists(name string) (bool, error) {
	_, found, err := s.getImage(name)
	return found, err
}

// BackingImageSize returns the persisted logical size of name, used by
// InstallSession.Preallocate to decide whether an existing image is
// compatible with a requested size.
func (s *Store) BackingImageSize(name string) (size uint64, found bool, err error) {
	img, found, err := s.getImage(name)
	if err != nil {
		return 0, false, err
	}
	return img.Size, found, nil
}

// PartitionExists is a metadata-only alias of BackingImageExists: the
// backing image record is the only persisted representation of a
// partition's existence in this store.
func (s *Store) PartitionExists(name string) (bool, error) {
	return s.BackingImageExists(name)
}

// CreateBackingImage reserves size bytes in a file within data_dir and
// records the backing image, applying the 40%-free-space and extent-count
// rules. See SPEC_FULL.md §4.1.
func (s *Store) CreateBackingImage(ctx context.Context, name string, size uint64, flags Flags, onProgress ProgressFunc) error {
	exists, err := s.BackingImageExists(name)
	if err != nil {
		return err
	}
	if exists {
		return &dsi.AlreadyExistsError{Name: name}
	}

	if err := checkFreeSpace(s.dataDir, int64(size)); err != nil {
		return err
	}

	path := s.dataFilePath(name)
	extents, err := s.backend.Allocate(ctx, path, int64(size))
	if err != nil {
		return fmt.Errorf("imagestore: allocate %s: %w", name, err)
	}
	if err := blockextent.CheckExtentCount(name, extents); err != nil {
		os.Remove(path)
		return err
	}

	table := ptable.Table{DeviceSize: size}.WithPartition(ptable.PartitionEntry{
		Name: name, Extents: extents, Size: size,
	})
	blob, err := s.codec.Encode(table)
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("imagestore: encode metadata for %s: %w", name, err)
	}
	if err := os.WriteFile(s.metadataBlobPath(name), blob, 0600); err != nil {
		os.Remove(path)
		return fmt.Errorf("imagestore: write metadata blob for %s: %w", name, err)
	}

	img := Image{Name: name, DataFile: path, MetadataBlob: blob, Extents: extents, Flags: flags, Size: size}

	if flags.Zeroed {
		if err := s.zeroFill(ctx, path, size, onProgress); err != nil {
			os.Remove(path)
			os.Remove(s.metadataBlobPath(name))
			return err
		}
	}

	if err := s.putImage(img); err != nil {
		os.Remove(path)
		os.Remove(s.metadataBlobPath(name))
		return fmt.Errorf("imagestore: persist catalog entry for %s: %w", name, err)
	}
	s.logger.WithFields(logrus.Fields{"name": name, "size": size, "extents": len(extents)}).Info("created backing image")
	return nil
}

// checkFreeSpace enforces that dir's filesystem has at least requested bytes
// free, and that at least minFreeFraction of total capacity remains free
// after the allocation lands. Violating either returns a *dsi.NoSpaceError.
func checkFreeSpace(dir string, requested int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("imagestore: statfs %s: %w", dir, err)
	}
	blockSize := uint64(stat.Bsize)
	total := stat.Blocks * blockSize
	free := stat.Bavail * blockSize

	if requested > 0 && free < uint64(requested) {
		return &dsi.NoSpaceError{Name: dir, Requested: requested, Available: int64(free)}
	}

	remaining := int64(free) - requested
	if remaining < 0 {
		remaining = 0
	}
	if total > 0 && float64(remaining) < minFreeFraction*float64(total) {
		return &dsi.NoSpaceError{Name: dir, Requested: requested, Available: int64(free)}
	}
	return nil
}

// abortedError is returned by zeroFill when onProgress requests cancellation;
// it is not exported because callers only need CreateBackingImage's
// cleanup behavior, not the sentinel itself.
type abortedError struct{ name string }

func (e *abortedError) Error() string { return fmt.Sprintf("zero-fill of %q aborted by progress callback", e.name) }

func (s *Store) zeroFill(ctx context.Context, path string, size uint64, onProgress ProgressFunc) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("imagestore: open %s for zero-fill: %w", path, err)
	}
	defer f.Close()

	const bucket = 1 << 20 // report progress after every 1 MiB written
	buf := make([]byte, bucket)
	var done uint64
	for done < size {
		n := uint64(len(buf))
		if remaining := size - done; remaining < n {
			n = remaining
		}
		if _, err := f.WriteAt(buf[:n], int64(done)); err != nil {
			return fmt.Errorf("imagestore: zero-fill write at %d: %w", done, err)
		}
		done += n
		if onProgress != nil && !onProgress(done, size) {
			return &abortedError{name: filepath.Base(path)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return f.Sync()
}

// DeleteBackingImage unmaps first if mapped, then removes the data file and
// metadata blob. Idempotent.
func (s *Store) DeleteBackingImage(ctx context.Context, name string) error {
	if mapped, _ := s.IsImageMapped(name); mapped {
		if err := s.UnmapImageDevice(ctx, name, true); err != nil {
			return err
		}
	}
	os.Remove(s.dataFilePath(name))
	os.Remove(s.metadataBlobPath(name))
	return s.deleteImage(name)
}

// MapImageDevice makes the image visible as a device node. It first
// attempts a DeviceMapper linear mapping translating extents onto the
// filesystem's underlying block device; if no Mapper is configured or the
// mapping fails, it falls back to a loop-device mapping of the data file.
// timeout=0 is a best-effort immediate attempt with no wait for the node to
// appear. Recommended caller timeout is 10s per SPEC_FULL.md §4.1.
func (s *Store) MapImageDevice(ctx context.Context, name string, timeout time.Duration) (string, error) {
	img, found, err := s.getImage(name)
	if err != nil {
		return "", err
	}
	if !found {
		return "", &dsi.NotFoundError{Name: name}
	}

	s.mu.Lock()
	if entry, ok := s.mapped[name]; ok {
		s.mu.Unlock()
		return entry.devicePath, nil
	}
	s.mu.Unlock()

	mapCtx := ctx
	var cancel context.CancelFunc
	retry := mapWithRetry
	if timeout > 0 {
		mapCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else {
		retry = func(_ context.Context, attempt func() (string, error)) (string, error) { return attempt() }
	}

	if s.mapper != nil {
		devPath, err := retry(mapCtx, func() (string, error) {
			return s.mapper.CreateLinearDevice(mapCtx, name, s.underlyingDevice(), img.Extents)
		})
		if err == nil {
			s.mu.Lock()
			s.mapped[name] = mappedEntry{devicePath: devPath, viaLoop: false}
			s.mu.Unlock()
			return devPath, nil
		}
		s.logger.WithError(err).WithField("name", name).Warn("device-mapper mapping failed, falling back to loop device")
	}

	if s.loop == nil {
		return "", fmt.Errorf("imagestore: no loop fallback configured and device-mapper mapping unavailable for %s", name)
	}
	devPath, err := retry(mapCtx, func() (string, error) {
		return s.loop.Attach(mapCtx, name, img.DataFile)
	})
	if err != nil {
		return "", fmt.Errorf("imagestore: loop-attach %s: %w", name, err)
	}
	s.mu.Lock()
	s.mapped[name] = mappedEntry{devicePath: devPath, viaLoop: true}
	s.mu.Unlock()
	return devPath, nil
}

// mapWithRetry retries a device-mapper or loop-device attach a few times
// with exponential backoff: both can fail transiently while udev settles
// or a prior teardown is still draining. A DeviceExistsError is permanent
// and is never retried.
func mapWithRetry(ctx context.Context, attempt func() (string, error)) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 3 * time.Second

	var devPath string
	err := backoff.Retry(func() error {
		var err error
		devPath, err = attempt()
		if devicemapper.IsDeviceExistsError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	return devPath, err
}

// underlyingDevice is the block device data_dir lives on. A real
// implementation resolves this via the host's mount table; that lookup is
// part of the BlockExtentBackend/DeviceMapper external-interface boundary,
// so here it is a configuration-time constant supplied by the caller
// through the Mapper implementation itself (DMClient.CreateLinearDevice
// takes it as a parameter so tests can substitute a loopback device path).
func (s *Store) underlyingDevice() string {
	return s.dataDir
}

// UnmapImageDevice destroys the mapping and waits for the kernel to release
// it. force requests the more aggressive teardown path on the underlying
// Mapper.
func (s *Store) UnmapImageDevice(ctx context.Context, name string, force bool) error {
	s.mu.Lock()
	entry, ok := s.mapped[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var err error
	if entry.viaLoop {
		err = s.loop.DestroyDevice(ctx, name, force)
	} else {
		err = s.mapper.DestroyDevice(ctx, name, force)
	}
	if err != nil {
		return fmt.Errorf("imagestore: unmap %s: %w", name, err)
	}

	s.mu.Lock()
	delete(s.mapped, name)
	s.mu.Unlock()
	return nil
}

// IsImageMapped reports whether name currently has a live mapping.
func (s *Store) IsImageMapped(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mapped[name]
	return ok, nil
}

// GetMappedImageDevice returns the device path for a mapped image, or
// ok=false if it is not currently mapped.
func (s *Store) GetMappedImageDevice(name string) (path string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.mapped[name]
	return entry.devicePath, ok
}

// ZeroFillNewImage writes n zero bytes to the head of a freshly created
// image, outside of CreateBackingImage's own flags.Zeroed path — used when
// a caller wants to zero only a prefix (e.g. userdata's first 1 MiB) rather
// than the whole image.
func (s *Store) ZeroFillNewImage(ctx context.Context, name string, n uint64) error {
	img, found, err := s.getImage(name)
	if err != nil {
		return err
	}
	if !found {
		return &dsi.NotFoundError{Name: name}
	}
	if n > img.Size {
		n = img.Size
	}
	f, err := os.OpenFile(img.DataFile, os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("imagestore: open %s for zero-fill: %w", img.DataFile, err)
	}
	defer f.Close()
	zeros := make([]byte, n)
	if _, err := f.WriteAt(zeros, 0); err != nil {
		return fmt.Errorf("imagestore: zero-fill head of %s: %w", name, err)
	}
	return f.Sync()
}

// RemoveAllImages deletes every catalog entry whose name carries the given
// suffix filter (pass "" to remove everything); this backs both
// BootStatus.remove's "_gsi" sweep and InstallSession's abort-time unwind.
func (s *Store) RemoveAllImages(ctx context.Context, nameSuffix string) error {
	names, err := s.listNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if nameSuffix != "" && !hasSuffix(name, nameSuffix) {
			continue
		}
		if err := s.DeleteBackingImage(ctx, name); err != nil {
			return fmt.Errorf("imagestore: remove %s: %w", name, err)
		}
	}
	return nil
}

// RemoveDisabledImages deletes each image named in disabledNames. The store
// itself does not track a "disabled" flag (that belongs to BootStatus) and
// does not check one; callers pass the names BootStatus has determined are
// disabled.
func (s *Store) RemoveDisabledImages(ctx context.Context, disabledNames []string) error {
	for _, name := range disabledNames {
		if err := s.DeleteBackingImage(ctx, name); err != nil {
			return fmt.Errorf("imagestore: remove disabled image %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) listNames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(catalogBucket)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func hasSuffix(name, suffix string) bool {
	return len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix
}

// Validate re-reads extents for every catalogued image and verifies they
// still match the persisted metadata, catching defragmentation or
// filesystem GC having moved blocks since creation.
func (s *Store) Validate(ctx context.Context) (bool, error) {
	names, err := s.listNames()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		img, found, err := s.getImage(name)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		ok, err := s.backend.VerifyPinned(ctx, img.DataFile, img.Extents)
		if err != nil {
			return false, fmt.Errorf("imagestore: validate %s: %w", name, err)
		}
		if !ok {
			s.logger.WithField("name", name).Error("extent mismatch detected on validate")
			return false, nil
		}
	}
	return true, nil
}
