// Package bootstatus implements the on-disk boot-status protocol: the small
// set of marker files a bootloader and this daemon use to agree on whether
// an installed image should be booted, and the transitions between them.
//
// Files, all under one status directory:
//
//	install_status  - "0" | "ok" | "disabled" | "wipe"
//	one_shot        - present iff one-shot mode is armed
//	install_dir     - absolute path of the active install directory
//	<slot>/complete - "OK" once a given install finished cleanly
//
// Writes are atomic: each file is written to a sibling temp file and
// renamed into place, so a crash mid-write never leaves a half-written
// status file for the bootloader to misread.
package bootstatus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Status is the value of the install_status file.
type Status string

const (
	StatusNone     Status = ""
	StatusZero     Status = "0"
	StatusOK       Status = "ok"
	StatusDisabled Status = "disabled"
	StatusWipe     Status = "wipe"
)

const (
	installStatusFile = "install_status"
	oneShotFile       = "one_shot"
	installDirFile    = "install_dir"
	completeFile      = "complete"
)

// Remover deletes backing images by name suffix; ImageStore satisfies it.
// bootstatus depends on this narrow interface rather than the imagestore
// package directly to keep the state-machine logic testable without a real
// catalog.
type Remover interface {
	RemoveAllImages(ctx context.Context, nameSuffix string) error
}

// BootChecker reports whether the running system is currently booted into
// the installed image, a fact this package cannot determine on its own
// (that belongs to the platform boot-loader's handoff, out of scope per
// SPEC_FULL.md §1).
type BootChecker func() bool

// Store manages the boot-status files under dir.
type Store struct {
	dir    string
	logger logrus.FieldLogger
}

// New returns a Store rooted at dir, which must already exist.
func New(dir string, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{dir: dir, logger: logger.WithField("component", "bootstatus")}
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// atomicWrite writes data to a temp file in s.dir and renames it over name,
// so readers never observe a partial write.
func (s *Store) atomicWrite(name string, data []byte) error {
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("bootstatus: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("bootstatus: rename %s: %w", tmp, err)
	}
	return nil
}

// ReadStatus returns the current install_status, or StatusNone if the file
// does not exist.
func (s *Store) ReadStatus() (Status, error) {
	data, err := os.ReadFile(s.path(installStatusFile))
	if os.IsNotExist(err) {
		return StatusNone, nil
	}
	if err != nil {
		return StatusNone, fmt.Errorf("bootstatus: read install_status: %w", err)
	}
	return Status(data), nil
}

func (s *Store) writeStatus(st Status) error {
	return s.atomicWrite(installStatusFile, []byte(st))
}

// IsOneShotArmed reports whether the one_shot file exists.
func (s *Store) IsOneShotArmed() bool {
	_, err := os.Stat(s.path(oneShotFile))
	return err == nil
}

func (s *Store) armOneShot() error {
	return s.atomicWrite(oneShotFile, []byte("1"))
}

func (s *Store) disarmOneShot() error {
	err := os.Remove(s.path(oneShotFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bootstatus: remove one_shot: %w", err)
	}
	return nil
}

// InstallDir returns the persisted active install directory, or "" if none
// is recorded.
func (s *Store) InstallDir() (string, error) {
	data, err := os.ReadFile(s.path(installDirFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("bootstatus: read install_dir: %w", err)
	}
	return string(data), nil
}

func (s *Store) writeInstallDir(dir string) error {
	return s.atomicWrite(installDirFile, []byte(dir))
}

// completePath is the per-install marker path <dir>/<slot>/complete, where
// slot is the last element of installDir.
func (s *Store) completePath(installDir string) string {
	return filepath.Join(s.dir, filepath.Base(filepath.Clean(installDir)), completeFile)
}

// IsComplete reports whether <slot>/complete reads "OK".
func (s *Store) IsComplete(installDir string) bool {
	data, err := os.ReadFile(s.completePath(installDir))
	return err == nil && string(data) == "OK"
}

// MarkComplete writes <slot>/complete = "OK", creating the slot directory.
func (s *Store) MarkComplete(installDir string) error {
	marker := s.completePath(installDir)
	if err := os.MkdirAll(filepath.Dir(marker), 0700); err != nil {
		return fmt.Errorf("bootstatus: create slot dir: %w", err)
	}
	tmp := marker + ".tmp"
	if err := os.WriteFile(tmp, []byte("OK"), 0600); err != nil {
		return fmt.Errorf("bootstatus: write complete: %w", err)
	}
	if err := os.Rename(tmp, marker); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("bootstatus: rename complete: %w", err)
	}
	return nil
}

// Finalize records a freshly completed install: install_dir, then one_shot
// (if requested), then install_status last. Order matters: the installer is
// only "bootable" in the bootloader's eyes once install_status lands, so a
// crash between these writes never produces a false-positive boot.
func (s *Store) Finalize(installDir string, oneShot bool) error {
	if err := s.writeInstallDir(installDir); err != nil {
		return err
	}
	if oneShot {
		if err := s.armOneShot(); err != nil {
			return err
		}
	} else {
		if err := s.disarmOneShot(); err != nil {
			return err
		}
	}
	return s.writeStatus(StatusZero)
}

// Enable re-arms a disabled install: requires install_dir to already be
// recorded (the install must exist) and rewrites install_status to "0",
// arming or disarming one_shot per the request.
func (s *Store) Enable(oneShot bool) error {
	dir, err := s.InstallDir()
	if err != nil {
		return err
	}
	if dir == "" {
		return fmt.Errorf("bootstatus: enable: no install recorded")
	}
	if oneShot {
		if err := s.armOneShot(); err != nil {
			return err
		}
	} else {
		if err := s.disarmOneShot(); err != nil {
			return err
		}
	}
	return s.writeStatus(StatusZero)
}

// Disable writes install_status = "disabled". Callers are responsible for
// refusing this while an install is in progress (the service core's
// session-liveness check, not this package's concern).
func (s *Store) Disable() error {
	return s.writeStatus(StatusDisabled)
}

// Remove deletes every status file plus the per-install complete marker and
// asks remover to drop every "_gsi"-suffixed backing image. It is
// idempotent: missing files are not an error.
func (s *Store) Remove(ctx context.Context, remover Remover) error {
	dir, err := s.InstallDir()
	if err != nil {
		return err
	}
	if dir != "" {
		if remover != nil {
			if err := remover.RemoveAllImages(ctx, "_gsi"); err != nil {
				return fmt.Errorf("bootstatus: remove gsi images: %w", err)
			}
		}
		os.Remove(s.completePath(dir))
	}
	for _, f := range []string{installStatusFile, oneShotFile, installDirFile} {
		if err := os.Remove(s.path(f)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("bootstatus: remove %s: %w", f, err)
		}
	}
	return nil
}

// Wipe behaves like Remove but is safe to call while the installed image is
// currently booted: rather than deleting images now, it writes "wipe" and
// defers RemoveGsiFiles to the next startup that is not booted into the
// installed image.
func (s *Store) Wipe() error {
	return s.writeStatus(StatusWipe)
}

// RunStartupTasks applies the daemon-startup transitions described in
// SPEC_FULL.md §4.3:
//   - booted into the installed image and status=="0" -> "ok"
//   - not booted into the installed image and status=="wipe" -> RemoveGsiFiles
//   - install_dir recorded but its complete marker is missing -> RemoveGsiFiles
//     (a crash during a prior install left stale state)
func (s *Store) RunStartupTasks(ctx context.Context, booted BootChecker, remover Remover) error {
	status, err := s.ReadStatus()
	if err != nil {
		return err
	}
	dir, err := s.InstallDir()
	if err != nil {
		return err
	}

	bootedIntoInstalled := booted != nil && booted()

	if dir != "" && !s.IsComplete(dir) {
		s.logger.WithField("install_dir", dir).Warn("stale install detected at startup, removing")
		return s.Remove(ctx, remover)
	}

	switch {
	case bootedIntoInstalled && status == StatusZero:
		s.logger.Info("confirmed first boot into installed image")
		if err := s.disarmOneShot(); err != nil {
			return err
		}
		return s.writeStatus(StatusOK)
	case !bootedIntoInstalled && status == StatusWipe:
		s.logger.Info("applying deferred wipe")
		return s.Remove(ctx, remover)
	}
	return nil
}
