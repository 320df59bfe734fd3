// Package devicemapper implements the DeviceMapper external interface:
// creating and destroying a named block device that maps a list of
// (physical sector, length) extents onto an existing underlying block
// device, plus a loop-device fallback for hosts with no usable
// device-mapper node over the host filesystem.
//
// # Cleanup policy
//
// Mapping and unmapping talk to the kernel through dmsetup/losetup and can
// block indefinitely or leave a device in an uninterruptible (D) state if
// the kernel gets into a bad spot. Destroy operations here are explicit and
// bounded by context timeouts; callers (ImageStore) are responsible for
// deciding whether a failed destroy is retried or left for a GC pass —
// this package does not retry destructive operations on its own.
package devicemapper

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dsiproject/dsi/blockextent"
)

var deviceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,255}$`)

// Mapper creates/destroys named block devices over extent lists.
type Mapper interface {
	// CreateLinearDevice publishes name as a /dev/mapper/<name> node whose
	// I/O is redirected onto extents of underlying. It returns the device
	// node path.
	CreateLinearDevice(ctx context.Context, name string, underlying string, extents []blockextent.Extent) (string, error)
	// DestroyDevice removes the mapping. If force is set, a more
	// aggressive removal is attempted after the polite one fails.
	DestroyDevice(ctx context.Context, name string, force bool) error
	// DeviceExists reports whether name is currently mapped.
	DeviceExists(ctx context.Context, name string) (bool, error)
	// DevicePath returns the expected device node path for name, whether
	// or not it is currently mapped.
	DevicePath(name string) string
}

// DeviceExistsError indicates CreateLinearDevice was asked to create a
// device that already exists.
type DeviceExistsError struct{ Name string }

func (e *DeviceExistsError) Error() string { return fmt.Sprintf("device %q already exists", e.Name) }

// DeviceNotFoundError indicates an operation targeted a device that is not
// mapped.
type DeviceNotFoundError struct{ Name string }

func (e *DeviceNotFoundError) Error() string { return fmt.Sprintf("device %q not found", e.Name) }

// IsDeviceExistsError reports whether err is a DeviceExistsError.
func IsDeviceExistsError(err error) bool { _, ok := err.(*DeviceExistsError); return ok }

// IsDeviceNotFoundError reports whether err is a DeviceNotFoundError.
func IsDeviceNotFoundError(err error) bool { _, ok := err.(*DeviceNotFoundError); return ok }

// DMClient is a Mapper backed by dmsetup, serialized by a single mutex: the
// kernel's device-mapper ioctl interface is not safe to hammer
// concurrently from one process, mirroring the reference client this is
// grounded on.
type DMClient struct {
	mu     sync.Mutex
	logger logrus.FieldLogger
}

// NewDMClient returns a DMClient logging to logrus's standard logger.
func NewDMClient() *DMClient {
	return &DMClient{logger: logrus.StandardLogger()}
}

// SetLogger overrides the client's logger.
func (c *DMClient) SetLogger(l logrus.FieldLogger) { c.logger = l }

func (c *DMClient) CreateLinearDevice(ctx context.Context, name, underlying string, extents []blockextent.Extent) (string, error) {
	if !deviceNameRegex.MatchString(name) {
		return "", fmt.Errorf("devicemapper: invalid device name %q", name)
	}
	if len(extents) == 0 {
		return "", fmt.Errorf("devicemapper: no extents for device %q", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.deviceExistsUnlocked(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		return "", &DeviceExistsError{Name: name}
	}

	table := buildLinearTable(underlying, extents)
	cmd := exec.CommandContext(ctx, "dmsetup", "create", "--verifyudev", name, "--table", table)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("devicemapper: dmsetup create %s failed: %w (output: %s)", name, err, out)
	}
	c.logger.WithFields(logrus.Fields{"device": name, "extents": len(extents)}).Info("created linear device")
	return c.DevicePath(name), nil
}

// buildLinearTable renders a dm "linear" table mapping each extent of the
// target device in order onto consecutive logical sectors of name.
func buildLinearTable(underlying string, extents []blockextent.Extent) string {
	var b strings.Builder
	var logicalStart uint64
	for _, e := range extents {
		fmt.Fprintf(&b, "%d %d linear %s %d\n", logicalStart, e.SectorCount, underlying, e.PhysicalSector)
		logicalStart += e.SectorCount
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *DMClient) DestroyDevice(ctx context.Context, name string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	args := []string{"remove", "--verifyudev", name}
	out, err := exec.CommandContext(removeCtx, "dmsetup", args...).CombinedOutput()
	if err == nil {
		return nil
	}
	if strings.Contains(string(out), "No such device") || strings.Contains(string(out), "not found") {
		return nil
	}
	if !force {
		return fmt.Errorf("devicemapper: remove %s failed: %w (output: %s)", name, err, out)
	}

	c.logger.WithField("device", name).Warn("polite remove failed, retrying with --force")
	forceCtx, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	out2, err2 := exec.CommandContext(forceCtx, "dmsetup", "remove", "--verifyudev", "--force", name).CombinedOutput()
	if err2 != nil {
		return fmt.Errorf("devicemapper: force remove %s failed: %w (output: %s); possible kernel deadlock", name, err2, out2)
	}
	return nil
}

func (c *DMClient) DeviceExists(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceExistsUnlocked(ctx, name)
}

func (c *DMClient) deviceExistsUnlocked(ctx context.Context, name string) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := exec.CommandContext(checkCtx, "dmsetup", "info", name).Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("devicemapper: info %s: %w", name, err)
}

func (c *DMClient) DevicePath(name string) string {
	return "/dev/mapper/" + name
}

// DumpDevices returns dmsetup's own textual table dump, used by the
// dump_device_mapper_devices RPC for diagnostics. The output format is
// dmsetup's, not ours, since the caller (dsictl/support) already knows how
// to read it.
func (c *DMClient) DumpDevices(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, err := exec.CommandContext(ctx, "dmsetup", "table").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("devicemapper: dmsetup table: %w (output: %s)", err, out)
	}
	return string(out), nil
}

// LoopMapper is a Mapper fallback used when no device-mapper node exists
// over the host filesystem: it exposes a whole data file as a loop device,
// which is sufficient for a single-file backing image but cannot honor a
// multi-extent linear table (a loop device maps one file, not a scattered
// extent list).
type LoopMapper struct {
	mu     sync.Mutex
	logger logrus.FieldLogger
	// attached tracks name -> loop device path for devices created via
	// Attach, so DestroyDevice and DevicePath can find the loop device
	// again without re-deriving it.
	attached map[string]string
}

// NewLoopMapper returns a LoopMapper.
func NewLoopMapper() *LoopMapper {
	return &LoopMapper{logger: logrus.StandardLogger(), attached: make(map[string]string)}
}

// Attach maps filePath as a loop device and records it under name. Unlike
// CreateLinearDevice, this takes a file path rather than extents, since a
// loop device backs the whole file directly.
func (m *LoopMapper) Attach(ctx context.Context, name, filePath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attached[name]; ok {
		return "", &DeviceExistsError{Name: name}
	}
	out, err := exec.CommandContext(ctx, "losetup", "-f", "--show", filePath).Output()
	if err != nil {
		return "", fmt.Errorf("devicemapper: losetup attach %s: %w", filePath, err)
	}
	dev := strings.TrimSpace(string(out))
	m.attached[name] = dev
	m.logger.WithFields(logrus.Fields{"name": name, "device": dev, "file": filePath}).Info("attached loop device")
	return dev, nil
}

func (m *LoopMapper) CreateLinearDevice(ctx context.Context, name, underlying string, extents []blockextent.Extent) (string, error) {
	return "", fmt.Errorf("devicemapper: LoopMapper does not support extent-list mapping; use Attach")
}

func (m *LoopMapper) DestroyDevice(ctx context.Context, name string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.attached[name]
	if !ok {
		return nil
	}
	args := []string{"-d", dev}
	if force {
		args = []string{"-d", "-f", dev}
	}
	if err := exec.CommandContext(ctx, "losetup", args...).Run(); err != nil {
		return fmt.Errorf("devicemapper: losetup detach %s: %w", dev, err)
	}
	delete(m.attached, name)
	return nil
}

func (m *LoopMapper) DeviceExists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attached[name]
	return ok, nil
}

// DevicePath returns the loop device recorded for name by Attach. Unlike
// DMClient, it returns "" for a name that is not currently attached, since
// a loop device path is only known once losetup has assigned it.
func (m *LoopMapper) DevicePath(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached[name]
}
