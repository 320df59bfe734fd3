// Package session implements InstallSession: the per-partition installation
// object that preallocates a backing image, streams bytes into its mapped
// device, and finalizes or unwinds it. A complete install runs two sessions
// sequentially (userdata, then system, as dsictl drives them), coordinated
// by the service core.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dsiproject/dsi"
	"github.com/dsiproject/dsi/imagestore"
	"github.com/dsiproject/dsi/progress"
)

// State is the session's position in its lifecycle.
type State int

const (
	Open State = iota
	Preallocated
	Streaming
	Finalized
	Aborted
)

func (st State) String() string {
	switch st {
	case Open:
		return "Open"
	case Preallocated:
		return "Preallocated"
	case Streaming:
		return "Streaming"
	case Finalized:
		return "Finalized"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// userdataDefaultSize is substituted when size==0 and name=="userdata".
const userdataDefaultSize uint64 = 2 << 30

// chunkStreamBlockSize is the fixed read size commit_chunk_from_stream uses
// to drain a caller-supplied file descriptor.
const chunkStreamBlockSize = 4096

// ImageStore is the subset of imagestore.Store an InstallSession depends on.
type ImageStore interface {
	BackingImageExists(name string) (bool, error)
	BackingImageSize(name string) (uint64, bool, error)
	CreateBackingImage(ctx context.Context, name string, size uint64, flags imagestore.Flags, onProgress imagestore.ProgressFunc) error
	DeleteBackingImage(ctx context.Context, name string) error
	MapImageDevice(ctx context.Context, name string, timeout time.Duration) (string, error)
	UnmapImageDevice(ctx context.Context, name string, force bool) error
	Validate(ctx context.Context) (bool, error)
}

// AbortSignal is the cooperative should_abort flag cancel_install raises; a
// streaming writer and the image-creation progress callback both consult it
// at their own checkpoints rather than being preempted.
type AbortSignal struct {
	raised int32
}

// Raise arms the flag. Idempotent.
func (a *AbortSignal) Raise() { atomic.StoreInt32(&a.raised, 1) }

// IsRaised reports whether Raise has been called.
func (a *AbortSignal) IsRaised() bool { return atomic.LoadInt32(&a.raised) != 0 }

// Config constructs a Session.
type Config struct {
	InstallDir    string
	PartitionName string
	Size          uint64
	ReadOnly      bool
	WipeExisting  bool

	Store    ImageStore
	Progress *progress.Signal
	Abort    *AbortSignal
	// Booted reports whether the device is currently booted into an
	// already-installed image; Preallocate refuses to proceed if so
	// (installation inside itself is refused).
	Booted func() bool
	Logger logrus.FieldLogger

	// MapTimeout bounds how long OpenWriter waits for the mapped device
	// node to appear. Zero means best-effort immediate return.
	MapTimeout time.Duration
}

// Session is the per-partition installation object.
type Session struct {
	installDir    string
	partitionName string
	size          uint64
	readOnly      bool
	wipeExisting  bool

	store      ImageStore
	progress   *progress.Signal
	abort      *AbortSignal
	booted     func() bool
	logger     logrus.FieldLogger
	mapTimeout time.Duration

	mu           sync.Mutex
	state        State
	bytesWritten uint64
	devicePath   string
	deviceFile   *os.File
	createdFresh bool
}

// New constructs a Session in the Open state. size==0 with
// partitionName=="userdata" defaults to 2 GiB.
func New(cfg Config) *Session {
	size := cfg.Size
	if size == 0 && cfg.PartitionName == "userdata" {
		size = userdataDefaultSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Session{
		installDir:    cfg.InstallDir,
		partitionName: cfg.PartitionName,
		size:          size,
		readOnly:      cfg.ReadOnly,
		wipeExisting:  cfg.WipeExisting,
		store:         cfg.Store,
		progress:      cfg.Progress,
		abort:         cfg.Abort,
		booted:        cfg.Booted,
		logger:        logger.WithField("partition", cfg.PartitionName),
		mapTimeout:    cfg.MapTimeout,
		state:         Open,
	}
}

// imageName is the backing image's catalog name, e.g. "system_gsi".
func (s *Session) imageName() string { return s.partitionName + "_gsi" }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BytesWritten returns how many bytes have been committed so far.
func (s *Session) BytesWritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// Size returns the session's target size (post userdata-default substitution).
func (s *Session) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// PartitionName returns the partition this session governs.
func (s *Session) PartitionName() string {
	return s.partitionName
}

func isUserdataSemantic(name string) bool { return name == "userdata" }

// Preallocate ensures the backing image exists with the requested size,
// enforcing SPEC_FULL.md §4.2's sanity rules, then transitions Open ->
// Preallocated.
func (s *Session) Preallocate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return fmt.Errorf("session: preallocate: invalid state %s", s.state)
	}

	if s.booted != nil && s.booted() {
		return fmt.Errorf("session: preallocate: device is currently booted into an installed image, refusing self-install")
	}

	name := s.imageName()

	if s.wipeExisting && isUserdataSemantic(s.partitionName) {
		if err := s.store.DeleteBackingImage(ctx, name); err != nil {
			return fmt.Errorf("session: wipe existing %s: %w", name, err)
		}
	}

	exists, err := s.store.BackingImageExists(name)
	if err != nil {
		return err
	}

	if exists && !s.wipeExisting {
		existingSize, _, err := s.store.BackingImageSize(name)
		if err != nil {
			return err
		}
		if existingSize < s.size {
			return &dsi.FileSystemClutteredError{Name: name, ExtentCount: 0, Max: 0}
		}
		s.createdFresh = false
		s.state = Preallocated
		s.logger.WithField("size", existingSize).Info("reusing compatible existing backing image")
		return nil
	}

	flags := imagestore.Flags{ReadOnly: s.readOnly, Zeroed: isUserdataSemantic(s.partitionName)}
	onProgress := func(done, total uint64) bool { return !s.abortRaised() }
	if err := s.store.CreateBackingImage(ctx, name, s.size, flags, onProgress); err != nil {
		return fmt.Errorf("session: create backing image %s: %w", name, err)
	}
	s.createdFresh = true
	s.state = Preallocated
	s.logger.WithField("size", s.size).Info("created backing image")
	return nil
}

func (s *Session) abortRaised() bool {
	return s.abort != nil && s.abort.IsRaised()
}

// OpenWriter maps the partition as a block device. For a writable partition
// (readOnly=false, i.e. userdata) the image was already zero-formatted
// during Preallocate, so this finalizes the session immediately with no
// streaming. For a read-only partition (readOnly=true, i.e. system) it
// opens the device for writing and transitions to Streaming so the caller
// can drive WriteChunkBytes/WriteChunkStream.
func (s *Session) OpenWriter(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Preallocated {
		return fmt.Errorf("session: open_writer: invalid state %s", s.state)
	}

	devPath, err := s.store.MapImageDevice(ctx, s.imageName(), s.mapTimeout)
	if err != nil {
		return fmt.Errorf("session: map %s: %w", s.imageName(), err)
	}
	s.devicePath = devPath

	if !s.readOnly {
		// Formatted image, nothing to stream: the zero-fill during
		// preallocate already wrote the full size.
		s.bytesWritten = s.size
		return s.finalizeLocked(ctx)
	}

	f, err := openDeviceForWrite(devPath)
	if err != nil {
		return fmt.Errorf("session: open device %s: %w", devPath, err)
	}
	s.deviceFile = f
	if s.progress != nil {
		s.progress.Start("write gsi", s.size)
	}
	s.state = Streaming
	return nil
}

// openDeviceForWrite opens path for ordinary buffered writing. O_DIRECT is
// not used: chunk writes go through the page cache, and durability comes
// only from the Sync call in finalize.
func openDeviceForWrite(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY, 0)
}

// WriteChunkBytes commits data already resident in memory (the
// commit_chunk_from_memory / commit_chunk_from_shared RPC forms).
func (s *Session) WriteChunkBytes(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeChunkLocked(ctx, data)
}

// WriteChunkStream drains exactly n bytes from r in fixed 4 KiB blocks (the
// commit_chunk_from_stream RPC form). EOF before n bytes are read is an
// error.
func (s *Session) WriteChunkStream(ctx context.Context, r io.Reader, n int64) error {
	buf := make([]byte, chunkStreamBlockSize)
	var remaining = n
	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		read, err := io.ReadFull(r, buf[:want])
		if err != nil {
			return fmt.Errorf("session: commit_chunk_from_stream: short read after %d/%d bytes: %w", n-remaining, n, err)
		}
		if err := s.WriteChunkBytes(ctx, buf[:read]); err != nil {
			return err
		}
		remaining -= int64(read)
	}
	return nil
}

func (s *Session) writeChunkLocked(ctx context.Context, data []byte) error {
	if s.state != Streaming {
		return fmt.Errorf("session: write_chunk: invalid state %s", s.state)
	}
	if s.abortRaised() {
		return fmt.Errorf("session: write_chunk: rejected, abort requested")
	}
	if s.bytesWritten+uint64(len(data)) > s.size {
		return fmt.Errorf("session: write_chunk: %d bytes would exceed size %d (already wrote %d)", len(data), s.size, s.bytesWritten)
	}

	if err := writeFull(s.deviceFile, data); err != nil {
		return fmt.Errorf("session: write_chunk: %w", err)
	}
	s.bytesWritten += uint64(len(data))
	if s.progress != nil {
		s.progress.Advance(s.bytesWritten)
	}
	return nil
}

// writeFull retries short writes until all of data lands or the underlying
// error propagates.
func writeFull(f *os.File, data []byte) error {
	for len(data) > 0 {
		n, err := f.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Finalize requires bytes_written == size, flushes the device, releases the
// writer, and calls ImageStore.Validate as a sanity check. It does not
// itself write BootStatus files; the service core does that once after
// every session in an install has finalized.
func (s *Session) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Streaming {
		return fmt.Errorf("session: finalize: invalid state %s", s.state)
	}
	return s.finalizeLocked(ctx)
}

func (s *Session) finalizeLocked(ctx context.Context) error {
	if s.bytesWritten != s.size {
		return fmt.Errorf("session: finalize: bytes_written %d != size %d", s.bytesWritten, s.size)
	}
	if s.deviceFile != nil {
		if err := s.deviceFile.Sync(); err != nil {
			return fmt.Errorf("session: finalize: flush: %w", err)
		}
		if err := s.deviceFile.Close(); err != nil {
			return fmt.Errorf("session: finalize: close: %w", err)
		}
		s.deviceFile = nil
	}
	if ok, err := s.store.Validate(ctx); err != nil {
		return fmt.Errorf("session: finalize: validate: %w", err)
	} else if !ok {
		return fmt.Errorf("session: finalize: extent validation failed")
	}
	if s.devicePath != "" {
		if err := s.store.UnmapImageDevice(ctx, s.imageName(), false); err != nil {
			s.logger.WithError(err).Warn("unmap after finalize failed")
		}
		s.devicePath = ""
	}
	if s.progress != nil {
		s.progress.Complete()
	}
	s.state = Finalized
	s.logger.Info("session finalized")
	return nil
}

// Abort unwinds the session: unmaps any owned device and, if wipeExisting
// was requested or the image was freshly created in this session, deletes
// the backing image. Safe to call from any non-terminal state.
func (s *Session) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Finalized || s.state == Aborted {
		return nil
	}

	if s.deviceFile != nil {
		s.deviceFile.Close()
		s.deviceFile = nil
	}
	if s.devicePath != "" {
		if err := s.store.UnmapImageDevice(ctx, s.imageName(), true); err != nil {
			s.logger.WithError(err).Warn("unmap during abort failed")
		}
		s.devicePath = ""
	}

	if s.state != Open && (s.wipeExisting || s.createdFresh) {
		if err := s.store.DeleteBackingImage(ctx, s.imageName()); err != nil {
			s.logger.WithError(err).Warn("delete during abort failed")
		}
	}

	if s.progress != nil {
		s.progress.Reset()
	}
	s.state = Aborted
	s.logger.Info("session aborted")
	return nil
}
