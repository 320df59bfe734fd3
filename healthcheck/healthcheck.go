// Package healthcheck provides advisory, best-effort host health checks run
// before mutating operations (principally open_install): looking for
// processes stuck in uninterruptible sleep, scanning recent kernel log lines
// for critical errors, and checking memory pressure. None of these checks
// are required by SPEC_FULL.md's invariants — they are a supplemented
// preflight so a caller gets a clear warning before a device-mapper
// operation wedges the kernel, rather than discovering it mid-install.
package healthcheck

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Checker runs host health checks.
type Checker struct {
	logger logrus.FieldLogger
}

// New returns a Checker.
func New(logger logrus.FieldLogger) *Checker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Checker{logger: logger.WithField("component", "healthcheck")}
}

// CheckAll runs every check and returns the first failure, bounding the
// whole pass to 10 seconds so a wedged subprocess cannot stall open_install
// indefinitely.
func (c *Checker) CheckAll(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.checkDStateProcesses(checkCtx); err != nil {
		return err
	}
	if err := c.checkKernelLogs(checkCtx); err != nil {
		return err
	}
	if err := c.checkMemoryPressure(checkCtx); err != nil {
		return err
	}
	return nil
}

func (c *Checker) checkDStateProcesses(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "bash", "-c", "ps aux | awk '$8 ~ /^D/ {print $0}'")
	output, err := cmd.Output()
	if err != nil {
		return nil
	}
	out := strings.TrimSpace(string(output))
	if out == "" {
		return nil
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "dm-") || strings.Contains(line, "loop") || strings.Contains(line, "kworker") {
			c.logger.WithField("process", line).Warn("uninterruptible-sleep process detected near device-mapper/loop")
			return fmt.Errorf("healthcheck: D-state process detected, system may be unstable: %s", line)
		}
	}
	return nil
}

func (c *Checker) checkKernelLogs(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "dmesg", "--time-format=reltime")
	output, err := cmd.Output()
	if err != nil {
		return nil
	}
	lines := strings.Split(string(output), "\n")
	start := len(lines) - 50
	if start < 0 {
		start = 0
	}
	critical := []string{"BUG:", "kernel panic", "Out of memory", "oom-killer"}
	for _, line := range lines[start:] {
		lower := strings.ToLower(line)
		for _, pattern := range critical {
			if strings.Contains(lower, strings.ToLower(pattern)) {
				c.logger.WithField("log_line", line).Error("critical kernel error detected")
				return fmt.Errorf("healthcheck: critical kernel error detected: %s", line)
			}
		}
	}
	return nil
}

func (c *Checker) checkMemoryPressure(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "bash", "-c", "free -m | awk '/^Mem:/ {print $7}'")
	output, err := cmd.Output()
	if err != nil {
		return nil
	}
	var availableMB int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%d", &availableMB); err != nil {
		return nil
	}
	if availableMB < 256 {
		c.logger.WithField("available_mb", availableMB).Warn("low memory detected")
		return fmt.Errorf("healthcheck: low memory, only %dMB available", availableMB)
	}
	return nil
}
