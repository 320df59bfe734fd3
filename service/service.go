// Package service implements the daemon's singleton core: it dispatches the
// RPC surface to InstallSession/ImageStore/BootStatus, serializes mutating
// operations behind guard.ServiceGuard, and enforces caller-privilege
// tiers. It is the coordinator described in SPEC_FULL.md §4.4; the rpc
// package translates transport concerns (connect-go, peer credentials) into
// calls here and back again.
package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"

	"github.com/dsiproject/dsi"
	"github.com/dsiproject/dsi/bootstatus"
	"github.com/dsiproject/dsi/config"
	"github.com/dsiproject/dsi/guard"
	"github.com/dsiproject/dsi/metrics"
	"github.com/dsiproject/dsi/progress"
	"github.com/dsiproject/dsi/session"
)

// CallerTier is the caller-privilege tier resolved from Unix socket peer
// credentials by the rpc package, mirroring the gsid AID tiers this
// protocol is modeled on.
type CallerTier int

const (
	TierUnknown CallerTier = iota
	TierShell
	TierSystem
	TierRoot
)

func (t CallerTier) String() string {
	switch t {
	case TierShell:
		return "shell"
	case TierSystem:
		return "system"
	case TierRoot:
		return "root"
	default:
		return "unknown"
	}
}

// Store is the subset of imagestore.Store the service core depends on
// directly, beyond what it hands to each session.
type Store interface {
	session.ImageStore
	RemoveAllImages(ctx context.Context, nameSuffix string) error
	ZeroFillNewImage(ctx context.Context, name string, n uint64) error
}

// DeviceMapperDumper exposes a textual dump of current mappings for
// dump_device_mapper_devices; nil when only loop-device mapping is
// available (there is nothing device-mapper-specific to dump).
type DeviceMapperDumper interface {
	DumpDevices(ctx context.Context) (string, error)
}

// Config constructs a Service.
type Config struct {
	Config  config.Config
	Store   Store
	Boot    *bootstatus.Store
	Guard   *guard.ServiceGuard
	Metrics *metrics.Metrics
	Dumper  DeviceMapperDumper
	// Audit records one row per state-transition RPC listed in auditedOps
	// (open/close_install, create_partition, enable, disable, remove,
	// cancel_install, zero_partition); queries, set_shared_buffer and the
	// high-frequency commit_chunk_* calls get no row. Nil disables history
	// recording entirely.
	Audit  AuditRecorder
	Logger logrus.FieldLogger
	// Booted reports whether the device is currently running the installed
	// image, used by session.Preallocate's self-install refusal and by
	// is_running.
	Booted func() bool
	// HealthCheckFunc, if set, runs once at the top of open_install as a
	// best-effort advisory preflight. A failure is logged and counted but
	// never fails the RPC; nil disables the preflight entirely.
	HealthCheckFunc func(context.Context) error
}

// AuditRecorder is the subset of auditlog.Store the service core depends
// on, kept as an interface so service tests can stub it out.
type AuditRecorder interface {
	Record(ctx context.Context, installDir, partitionName, operation string, status dsi.Status, detail string) error
}

// Service is the process-wide singleton service core.
type Service struct {
	cfg             config.Config
	store           Store
	boot            *bootstatus.Store
	guard           *guard.ServiceGuard
	metrics         *metrics.Metrics
	dumper          DeviceMapperDumper
	audit           AuditRecorder
	logger          logrus.FieldLogger
	booted          func() bool
	healthCheckFunc func(context.Context) error

	// allowedRoots is a published-once, immutable snapshot of
	// cfg.Config.AllowedInstallRoots: open_install's path check reads it
	// without synchronization, and nothing can mutate it out from under a
	// concurrent request the way a shared []string could be.
	allowedRoots *immutable.List[string]

	progress *progress.Signal

	// mu guards the fields below. Mutating operations hold it for most of
	// their body, including blocking session and store I/O (preallocate,
	// chunk writes, finalize, boot-status writes); they already run one at
	// a time inside guard.WithLock. get_install_progress never takes it.
	mu                  sync.Mutex
	installDir          string
	wipeRequested       bool
	abort               *session.AbortSignal
	current             *session.Session
	finalizedPartitions map[string]bool
	sharedBuffer        []byte
}

// New constructs a Service. The returned Service has no active install.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rootsBuilder := immutable.NewListBuilder[string]()
	for _, root := range cfg.Config.AllowedInstallRoots {
		rootsBuilder.Append(root)
	}
	return &Service{
		cfg:                 cfg.Config,
		store:               cfg.Store,
		boot:                cfg.Boot,
		guard:               cfg.Guard,
		metrics:             cfg.Metrics,
		dumper:              cfg.Dumper,
		audit:               cfg.Audit,
		allowedRoots:        rootsBuilder.List(),
		logger:              logger.WithField("component", "service"),
		booted:              cfg.Booted,
		healthCheckFunc:     cfg.HealthCheckFunc,
		progress:            progress.New(),
		abort:               &session.AbortSignal{},
		finalizedPartitions: make(map[string]bool),
	}
}

// RunStartupTasks performs the daemon-startup recovery pass (stale-install
// cleanup, "0"->"ok" confirmation, deferred wipe), delegating to
// bootstatus.Store.RunStartupTasks.
func (s *Service) RunStartupTasks(ctx context.Context) error {
	return s.boot.RunStartupTasks(ctx, bootstatus.BootChecker(s.isBooted), s.store)
}

func (s *Service) isBooted() bool {
	return s.booted != nil && s.booted()
}

func (s *Service) resetLocked() {
	s.installDir = ""
	s.wipeRequested = false
	s.abort = &session.AbortSignal{}
	s.current = nil
	s.finalizedPartitions = make(map[string]bool)
	s.sharedBuffer = nil
	s.progress.Reset()
}

func requireSystem(tier CallerTier, op string) error {
	if tier == TierSystem || tier == TierRoot {
		return nil
	}
	return &dsi.SecurityError{Operation: op, Caller: tier.String()}
}

func requireSystemOrShell(tier CallerTier, op string) error {
	if tier == TierSystem || tier == TierShell || tier == TierRoot {
		return nil
	}
	return &dsi.SecurityError{Operation: op, Caller: tier.String()}
}

func requireRoot(tier CallerTier, op string) error {
	if tier == TierRoot {
		return nil
	}
	return &dsi.SecurityError{Operation: op, Caller: tier.String()}
}

// withOp runs fn serialized behind the service guard, recording a
// dsi_rpc_requests_total observation keyed by op and the resulting status.
// auditedOps are the state-transition RPCs worth a durable history row.
// commit_chunk_* is deliberately excluded: a multi-gigabyte stream commits
// in hundreds of chunks and would otherwise flood the log with rows no one
// reads individually.
var auditedOps = map[string]bool{
	"open_install":     true,
	"close_install":    true,
	"create_partition": true,
	"enable":           true,
	"disable":          true,
	"remove":           true,
	"cancel_install":   true,
	"zero_partition":   true,
}

func (s *Service) withOp(ctx context.Context, op string, fn func() (dsi.Status, error)) (dsi.Status, error) {
	s.mu.Lock()
	installDirBefore := s.installDir
	s.mu.Unlock()

	var status dsi.Status
	var opErr error
	err := s.guard.WithLock(ctx, op, func() error {
		status, opErr = fn()
		return opErr
	})
	if err != nil && opErr == nil {
		// the guard itself failed (context cancelled, panicking handler)
		status = dsi.StatusGenericError
		opErr = err
	}
	s.metrics.ObserveRequest(op, status.String())

	if s.audit != nil && auditedOps[op] {
		s.mu.Lock()
		installDir := s.installDir
		s.mu.Unlock()
		// close_install/remove/cancel_install clear installDir as part of
		// the operation itself; fall back to the pre-call value so the
		// row still names which install it concerns.
		if installDir == "" {
			installDir = installDirBefore
		}
		detail := ""
		if opErr != nil {
			detail = opErr.Error()
		}
		if rerr := s.audit.Record(ctx, installDir, "", op, status, detail); rerr != nil {
			s.logger.WithError(rerr).Warn("service: failed to record audit event")
		}
	}
	return status, opErr
}

func isAllowedInstallRoot(dir string, roots *immutable.List[string]) bool {
	it := roots.Iterator()
	for !it.Done() {
		_, root := it.Next()
		if dir == root || strings.HasPrefix(dir, root) {
			return true
		}
	}
	return false
}

// runHealthPreflight runs the configured host health check, if any. It is
// advisory only: a failure is logged and counted on the
// dsi_host_health_checks_total metric but never blocks open_install.
func (s *Service) runHealthPreflight(ctx context.Context) {
	if s.healthCheckFunc == nil {
		return
	}
	if err := s.healthCheckFunc(ctx); err != nil {
		s.logger.WithError(err).Warn("service: host health preflight failed, proceeding with open_install anyway")
		s.metrics.ObserveHostHealthCheck("failed")
		return
	}
	s.metrics.ObserveHostHealthCheck("ok")
}

// OpenInstall validates and records the install directory for a new
// installation. System tier only.
func (s *Service) OpenInstall(ctx context.Context, tier CallerTier, req dsi.OpenInstallRequest) (dsi.Status, error) {
	return s.withOp(ctx, "open_install", func() (dsi.Status, error) {
		if err := requireSystem(tier, "open_install"); err != nil {
			return dsi.StatusGenericError, err
		}
		s.runHealthPreflight(ctx)
		dir, err := dsi.NormalizeInstallDir(req.InstallDir)
		if err != nil {
			return dsi.StatusGenericError, err
		}
		if !isAllowedInstallRoot(dir, s.allowedRoots) {
			return dsi.StatusGenericError, &dsi.SecurityError{Operation: "open_install", Caller: "path:" + dir}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.installDir != "" {
			return dsi.StatusGenericError, fmt.Errorf("service: open_install: an install is already open at %s", s.installDir)
		}
		s.installDir = dir
		s.wipeRequested = req.Wipe
		return dsi.StatusOK, nil
	})
}

// CloseInstall aborts any in-flight session and clears the open install
// without touching boot status (use Remove to undo a completed install).
func (s *Service) CloseInstall(ctx context.Context, tier CallerTier) (dsi.Status, error) {
	return s.withOp(ctx, "close_install", func() (dsi.Status, error) {
		if err := requireSystem(tier, "close_install"); err != nil {
			return dsi.StatusGenericError, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.current != nil {
			s.current.Abort(ctx)
		}
		s.resetLocked()
		return dsi.StatusOK, nil
	})
}

// CreatePartition preallocates and opens a partition's backing image. For a
// writable (read_only=false) partition this finalizes immediately with no
// streaming (the userdata path); for a read-only partition it leaves the
// session in Streaming for subsequent commit_chunk_* calls.
func (s *Service) CreatePartition(ctx context.Context, tier CallerTier, req dsi.CreatePartitionRequest) (dsi.Status, error) {
	return s.withOp(ctx, "create_partition", func() (dsi.Status, error) {
		if err := requireSystem(tier, "create_partition"); err != nil {
			return dsi.StatusGenericError, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.installDir == "" {
			return dsi.StatusGenericError, fmt.Errorf("service: create_partition: no install open")
		}
		if s.current != nil && s.current.State() == session.Streaming {
			return dsi.StatusGenericError, fmt.Errorf("service: create_partition: partition %q is still streaming", s.current.PartitionName())
		}
		if req.Size < 0 {
			return dsi.StatusGenericError, fmt.Errorf("service: create_partition: negative size %d", req.Size)
		}
		partitionName := strcase.ToSnake(req.Name)

		sess := session.New(session.Config{
			InstallDir:    s.installDir,
			PartitionName: partitionName,
			Size:          uint64(req.Size),
			ReadOnly:      req.ReadOnly,
			WipeExisting:  s.wipeRequested,
			Store:         s.store,
			Progress:      s.progress,
			Abort:         s.abort,
			Booted:        s.booted,
			Logger:        s.logger,
			MapTimeout:    s.cfg.MapDeviceTimeout,
		})

		if err := sess.Preallocate(ctx); err != nil {
			return dsi.StatusFromError(err), err
		}
		if err := sess.OpenWriter(ctx); err != nil {
			return dsi.StatusFromError(err), err
		}

		if sess.State() == session.Finalized {
			s.finalizedPartitions[partitionName] = true
			s.current = nil
			s.metrics.ActiveSessions.Set(0)
		} else {
			s.current = sess
			s.metrics.ActiveSessions.Set(1)
		}
		return dsi.StatusOK, nil
	})
}

// commitResult is shared plumbing for the three commit_chunk_* forms: each
// writes into the current session, then auto-finalizes it the moment
// bytes_written reaches size (there is no separate finalize RPC; enable()
// is what later makes the whole install bootable).
func (s *Service) commitResult(ctx context.Context, write func(sess *session.Session) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.State() != session.Streaming {
		return false, fmt.Errorf("service: commit_chunk: no partition is currently streaming")
	}
	start := time.Now()
	err := write(s.current)
	s.metrics.CommitChunkDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return false, err
	}
	if s.current.BytesWritten() == s.current.Size() {
		name := s.current.PartitionName()
		if err := s.current.Finalize(ctx); err != nil {
			return false, err
		}
		s.finalizedPartitions[name] = true
		s.current = nil
		s.metrics.ActiveSessions.Set(0)
	}
	return true, nil
}

// CommitChunkFromMemory writes data already resident in the request.
func (s *Service) CommitChunkFromMemory(ctx context.Context, tier CallerTier, data []byte) (bool, error) {
	var ok bool
	_, err := s.withOp(ctx, "commit_chunk_from_memory", func() (dsi.Status, error) {
		if err := requireSystem(tier, "commit_chunk_from_memory"); err != nil {
			return dsi.StatusGenericError, err
		}
		var werr error
		ok, werr = s.commitResult(ctx, func(sess *session.Session) error {
			return sess.WriteChunkBytes(ctx, data)
		})
		if werr == nil {
			s.metrics.BytesWrittenTotal.Add(float64(len(data)))
		}
		return dsi.StatusFromError(werr), werr
	})
	return ok, err
}

// CommitChunkFromStream drains exactly n bytes from r into the current
// session.
func (s *Service) CommitChunkFromStream(ctx context.Context, tier CallerTier, r io.Reader, n int64) (bool, error) {
	var ok bool
	_, err := s.withOp(ctx, "commit_chunk_from_stream", func() (dsi.Status, error) {
		if err := requireSystem(tier, "commit_chunk_from_stream"); err != nil {
			return dsi.StatusGenericError, err
		}
		var werr error
		ok, werr = s.commitResult(ctx, func(sess *session.Session) error {
			return sess.WriteChunkStream(ctx, r, n)
		})
		if werr == nil {
			s.metrics.BytesWrittenTotal.Add(float64(n))
		}
		return dsi.StatusFromError(werr), werr
	})
	return ok, err
}

// SetSharedBuffer allocates the in-process stand-in for the shared-memory
// handoff channel described in SPEC_FULL.md §9: a real gsid passes an ashmem
// fd across the RPC boundary, which has no equivalent over a connect-go JSON
// transport, so the daemon instead holds the bytes itself between
// set_shared_buffer and commit_chunk_from_shared calls.
func (s *Service) SetSharedBuffer(ctx context.Context, tier CallerTier, size int64) (bool, error) {
	_, err := s.withOp(ctx, "set_shared_buffer", func() (dsi.Status, error) {
		if err := requireSystem(tier, "set_shared_buffer"); err != nil {
			return dsi.StatusGenericError, err
		}
		if size < 0 {
			return dsi.StatusGenericError, fmt.Errorf("service: set_shared_buffer: negative size %d", size)
		}
		s.mu.Lock()
		s.sharedBuffer = make([]byte, size)
		s.mu.Unlock()
		return dsi.StatusOK, nil
	})
	return err == nil, err
}

// CommitChunkFromShared writes size bytes out of the previously allocated
// shared buffer into the current session.
func (s *Service) CommitChunkFromShared(ctx context.Context, tier CallerTier, size int64) (bool, error) {
	var ok bool
	_, err := s.withOp(ctx, "commit_chunk_from_shared", func() (dsi.Status, error) {
		if err := requireSystem(tier, "commit_chunk_from_shared"); err != nil {
			return dsi.StatusGenericError, err
		}
		s.mu.Lock()
		if int64(len(s.sharedBuffer)) < size {
			s.mu.Unlock()
			return dsi.StatusGenericError, fmt.Errorf("service: commit_chunk_from_shared: requested %d bytes, buffer holds %d", size, len(s.sharedBuffer))
		}
		data := s.sharedBuffer[:size]
		s.sharedBuffer = s.sharedBuffer[size:]
		s.mu.Unlock()

		var werr error
		ok, werr = s.commitResult(ctx, func(sess *session.Session) error {
			return sess.WriteChunkBytes(ctx, data)
		})
		if werr == nil {
			s.metrics.BytesWrittenTotal.Add(float64(size))
		}
		return dsi.StatusFromError(werr), werr
	})
	return ok, err
}

// GetInstallProgress bypasses the service guard entirely, per SPEC_FULL.md
// §4.4: it only takes the progress record's own mutex, so a slow
// commit_chunk never blocks progress polling.
func (s *Service) GetInstallProgress(ctx context.Context, tier CallerTier) (dsi.Progress, error) {
	if err := requireSystem(tier, "get_install_progress"); err != nil {
		return dsi.Progress{}, err
	}
	rec := s.progress.Snapshot()
	return dsi.Progress{Step: rec.Step, Status: rec.Status, Processed: rec.Processed, Total: rec.Total}, nil
}

// sweepGsiImages removes every "_gsi"-suffixed backing image still on disk.
// It is called on every path that leaves an install without a successful
// enable (a failed enable, or an explicit cancel): per Testable Property #1,
// no install that does not return OK from enable may leave a mapped "_gsi"
// device behind.
func (s *Service) sweepGsiImages(ctx context.Context) {
	if err := s.store.RemoveAllImages(ctx, "_gsi"); err != nil {
		s.logger.WithError(err).Warn("service: failed to sweep gsi images")
	}
}

// Enable marks the open install bootable by writing the boot-status files,
// per the ordering in SPEC_FULL.md §4.3/§5 (install_dir, then one_shot, then
// install_status last). Any failure once an install is open sweeps every
// "_gsi" image before returning, since a partially-finalized install that
// does not reach OK must not leave images on disk; with no install open,
// enable fails without touching any image.
func (s *Service) Enable(ctx context.Context, tier CallerTier, req dsi.EnableRequest) (dsi.Status, error) {
	return s.withOp(ctx, "enable", func() (dsi.Status, error) {
		if err := requireSystemOrShell(tier, "enable"); err != nil {
			return dsi.StatusGenericError, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.installDir == "" {
			return dsi.StatusGenericError, fmt.Errorf("service: enable: no install open")
		}
		if s.current != nil && s.current.State() != session.Finalized {
			name := s.current.PartitionName()
			s.sweepGsiImages(ctx)
			s.resetLocked()
			return dsi.StatusGenericError, fmt.Errorf("service: enable: partition %q has not finished streaming", name)
		}
		if len(s.finalizedPartitions) == 0 {
			s.sweepGsiImages(ctx)
			s.resetLocked()
			return dsi.StatusGenericError, fmt.Errorf("service: enable: no partition has been finalized")
		}
		if err := s.boot.Finalize(s.installDir, req.OneShot); err != nil {
			s.sweepGsiImages(ctx)
			s.resetLocked()
			return dsi.StatusGenericError, err
		}
		if err := s.boot.MarkComplete(s.installDir); err != nil {
			s.sweepGsiImages(ctx)
			s.resetLocked()
			return dsi.StatusGenericError, err
		}
		return dsi.StatusOK, nil
	})
}

// IsEnabled reports whether install_status is currently armed ("0" or "ok").
func (s *Service) IsEnabled(ctx context.Context, tier CallerTier) (bool, error) {
	status, err := s.withOp(ctx, "is_enabled", func() (dsi.Status, error) {
		if err := requireSystemOrShell(tier, "is_enabled"); err != nil {
			return dsi.StatusGenericError, err
		}
		st, err := s.boot.ReadStatus()
		if err != nil {
			return dsi.StatusGenericError, err
		}
		if st == bootstatus.StatusZero || st == bootstatus.StatusOK {
			return dsi.StatusOK, nil
		}
		return dsi.StatusGenericError, nil
	})
	return status == dsi.StatusOK, err
}

// Disable writes install_status="disabled". Refused while a partition is
// still streaming.
func (s *Service) Disable(ctx context.Context, tier CallerTier) (bool, error) {
	_, err := s.withOp(ctx, "disable", func() (dsi.Status, error) {
		if err := requireSystemOrShell(tier, "disable"); err != nil {
			return dsi.StatusGenericError, err
		}
		s.mu.Lock()
		inProgress := s.current != nil && s.current.State() == session.Streaming
		s.mu.Unlock()
		if inProgress {
			return dsi.StatusGenericError, fmt.Errorf("service: disable: an install is in progress")
		}
		if err := s.boot.Disable(); err != nil {
			return dsi.StatusGenericError, err
		}
		return dsi.StatusOK, nil
	})
	return err == nil, err
}

// Remove deletes all boot-status files and every "_gsi"-suffixed backing
// image, then resets in-memory state. Idempotent.
func (s *Service) Remove(ctx context.Context, tier CallerTier) (bool, error) {
	_, err := s.withOp(ctx, "remove", func() (dsi.Status, error) {
		if err := requireSystemOrShell(tier, "remove"); err != nil {
			return dsi.StatusGenericError, err
		}
		if err := s.boot.Remove(ctx, s.store); err != nil {
			return dsi.StatusGenericError, err
		}
		s.mu.Lock()
		s.resetLocked()
		s.mu.Unlock()
		return dsi.StatusOK, nil
	})
	return err == nil, err
}

// CancelInstall raises the cooperative abort flag, unwinds any in-flight
// session, sweeps every "_gsi" backing image (including ones already
// finalized by an earlier create_partition call in this install, not just
// the in-flight one), and resets the service to its pre-install state. The
// next cooperative check inside a streaming session is what actually
// observes the abort flag; this call does not preempt an in-flight write.
func (s *Service) CancelInstall(ctx context.Context, tier CallerTier) (bool, error) {
	_, err := s.withOp(ctx, "cancel_install", func() (dsi.Status, error) {
		if err := requireSystem(tier, "cancel_install"); err != nil {
			return dsi.StatusGenericError, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.abort.Raise()
		if s.current != nil {
			s.current.Abort(ctx)
		}
		s.sweepGsiImages(ctx)
		s.resetLocked()
		return dsi.StatusOK, nil
	})
	return err == nil, err
}

// IsInstalled, IsRunning, and IsInProgress report the three boolean facets
// of the is_installed/is_running/is_in_progress RPC trio.
func (s *Service) IsInstalled(ctx context.Context, tier CallerTier) (installed, running, inProgress bool, err error) {
	_, err = s.withOp(ctx, "is_installed", func() (dsi.Status, error) {
		if terr := requireSystemOrShell(tier, "is_installed"); terr != nil {
			return dsi.StatusGenericError, terr
		}
		st, berr := s.boot.ReadStatus()
		if berr != nil {
			return dsi.StatusGenericError, berr
		}
		installed = st == bootstatus.StatusZero || st == bootstatus.StatusOK
		running = s.isBooted()

		s.mu.Lock()
		inProgress = s.current != nil && (s.current.State() == session.Streaming || s.current.State() == session.Preallocated)
		s.mu.Unlock()
		return dsi.StatusOK, nil
	})
	return installed, running, inProgress, err
}

// GetInstalledImageDir returns the persisted active install directory.
func (s *Service) GetInstalledImageDir(ctx context.Context, tier CallerTier) (string, error) {
	var dir string
	_, err := s.withOp(ctx, "get_installed_image_dir", func() (dsi.Status, error) {
		if err := requireSystem(tier, "get_installed_image_dir"); err != nil {
			return dsi.StatusGenericError, err
		}
		var err error
		dir, err = s.boot.InstallDir()
		if err != nil {
			return dsi.StatusGenericError, err
		}
		return dsi.StatusOK, nil
	})
	return dir, err
}

// ZeroPartition zero-fills an existing partition's backing image, e.g. to
// re-wipe userdata without a full reinstall.
func (s *Service) ZeroPartition(ctx context.Context, tier CallerTier, name string) (dsi.Status, error) {
	return s.withOp(ctx, "zero_partition", func() (dsi.Status, error) {
		if err := requireSystemOrShell(tier, "zero_partition"); err != nil {
			return dsi.StatusGenericError, err
		}
		imageName := strcase.ToSnake(name) + "_gsi"
		size, found, err := s.store.BackingImageSize(imageName)
		if err != nil {
			return dsi.StatusGenericError, err
		}
		if !found {
			return dsi.StatusGenericError, &dsi.NotFoundError{Name: imageName}
		}
		if err := s.store.ZeroFillNewImage(ctx, imageName, size); err != nil {
			return dsi.StatusFromError(err), err
		}
		return dsi.StatusOK, nil
	})
}

// OpenImageService returns an opaque, deterministic handle scoped to prefix.
// Root only: this is the narrowest tier in the RPC surface, matching the
// sensitivity of raw image-store access in the reference protocol.
func (s *Service) OpenImageService(ctx context.Context, tier CallerTier, prefix string) (string, error) {
	var handle string
	_, err := s.withOp(ctx, "open_image_service", func() (dsi.Status, error) {
		if err := requireRoot(tier, "open_image_service"); err != nil {
			return dsi.StatusGenericError, err
		}
		s.mu.Lock()
		dir := s.installDir
		s.mu.Unlock()
		handle = dsi.DeriveSessionID(dir, prefix)
		return dsi.StatusOK, nil
	})
	return handle, err
}

// DumpDeviceMapperDevices returns dmsetup's table dump, or "" if the daemon
// is running loop-device-only (nothing device-mapper-specific to show).
func (s *Service) DumpDeviceMapperDevices(ctx context.Context, tier CallerTier) (string, error) {
	var dump string
	_, err := s.withOp(ctx, "dump_device_mapper_devices", func() (dsi.Status, error) {
		if err := requireSystemOrShell(tier, "dump_device_mapper_devices"); err != nil {
			return dsi.StatusGenericError, err
		}
		if s.dumper == nil {
			return dsi.StatusOK, nil
		}
		var err error
		dump, err = s.dumper.DumpDevices(ctx)
		if err != nil {
			return dsi.StatusGenericError, err
		}
		return dsi.StatusOK, nil
	})
	return dump, err
}
