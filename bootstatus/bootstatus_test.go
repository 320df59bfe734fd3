package bootstatus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakeRemover struct {
	removed []string
}

func (f *fakeRemover) RemoveAllImages(ctx context.Context, nameSuffix string) error {
	f.removed = append(f.removed, nameSuffix)
	return nil
}

func TestFinalizeWritesFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	if err := s.Finalize("/data/gsi/dsu/", true); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	status, err := s.ReadStatus()
	if err != nil || status != StatusZero {
		t.Fatalf("expected status \"0\", got %q err=%v", status, err)
	}
	if !s.IsOneShotArmed() {
		t.Fatalf("expected one_shot to be armed")
	}
	gotDir, err := s.InstallDir()
	if err != nil || gotDir != "/data/gsi/dsu/" {
		t.Fatalf("expected install_dir to be recorded, got %q err=%v", gotDir, err)
	}
}

func TestFinalizeWithoutOneShot(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	if err := s.Finalize("/data/gsi/dsu/", false); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if s.IsOneShotArmed() {
		t.Fatalf("expected one_shot to be absent")
	}
}

func TestEnableRequiresExistingInstall(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	if err := s.Enable(false); err == nil {
		t.Fatalf("expected an error enabling with no recorded install")
	}

	if err := s.Finalize("/data/gsi/dsu/", false); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	status, _ := s.ReadStatus()
	if status != StatusDisabled {
		t.Fatalf("expected disabled, got %q", status)
	}

	if err := s.Enable(true); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	status, _ = s.ReadStatus()
	if status != StatusZero || !s.IsOneShotArmed() {
		t.Fatalf("expected status=0 and one_shot armed after enable, got status=%q armed=%v", status, s.IsOneShotArmed())
	}
}

func TestRemoveDeletesEverything(t *testing.T) {
	dir := t.TempDir()
	installDir := t.TempDir()
	s := New(dir, nil)

	if err := s.Finalize(installDir, false); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := s.MarkComplete(installDir); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	remover := &fakeRemover{}
	if err := s.Remove(context.Background(), remover); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if len(remover.removed) != 1 || remover.removed[0] != "_gsi" {
		t.Fatalf("expected a single _gsi removal sweep, got %v", remover.removed)
	}
	status, err := s.ReadStatus()
	if err != nil || status != StatusNone {
		t.Fatalf("expected no status after Remove, got %q err=%v", status, err)
	}
	if _, err := os.Stat(filepath.Join(dir, filepath.Base(installDir), completeFile)); !os.IsNotExist(err) {
		t.Fatalf("expected complete marker to be removed")
	}

	// Remove is idempotent.
	if err := s.Remove(context.Background(), remover); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestRunStartupTasksConfirmsFirstBoot(t *testing.T) {
	dir := t.TempDir()
	installDir := t.TempDir()
	s := New(dir, nil)

	if err := s.Finalize(installDir, false); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := s.MarkComplete(installDir); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	booted := func() bool { return true }
	if err := s.RunStartupTasks(context.Background(), booted, nil); err != nil {
		t.Fatalf("RunStartupTasks: %v", err)
	}
	status, err := s.ReadStatus()
	if err != nil || status != StatusOK {
		t.Fatalf("expected status \"ok\" after confirmed boot, got %q err=%v", status, err)
	}
}

func TestRunStartupTasksDisarmsOneShot(t *testing.T) {
	dir := t.TempDir()
	installDir := t.TempDir()
	s := New(dir, nil)

	if err := s.Finalize(installDir, true); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := s.MarkComplete(installDir); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if !s.IsOneShotArmed() {
		t.Fatalf("expected one_shot to be armed before first confirmed boot")
	}

	booted := func() bool { return true }
	if err := s.RunStartupTasks(context.Background(), booted, nil); err != nil {
		t.Fatalf("RunStartupTasks: %v", err)
	}
	status, err := s.ReadStatus()
	if err != nil || status != StatusOK {
		t.Fatalf("expected status \"ok\" after confirmed boot, got %q err=%v", status, err)
	}
	if s.IsOneShotArmed() {
		t.Fatalf("one_shot must be disarmed after a confirmed one-shot boot, so a later reboot does not revert")
	}

	// A following boot (the reboot the one-shot install was supposed to
	// revert after) no longer observes the armed flag.
	if err := s.RunStartupTasks(context.Background(), booted, nil); err != nil {
		t.Fatalf("second RunStartupTasks: %v", err)
	}
}

func TestRunStartupTasksRemovesStaleInstall(t *testing.T) {
	dir := t.TempDir()
	installDir := t.TempDir()
	s := New(dir, nil)

	// Finalize without ever writing the complete marker, simulating a crash
	// mid-install.
	if err := s.Finalize(installDir, false); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	remover := &fakeRemover{}
	booted := func() bool { return false }
	if err := s.RunStartupTasks(context.Background(), booted, remover); err != nil {
		t.Fatalf("RunStartupTasks: %v", err)
	}

	status, err := s.ReadStatus()
	if err != nil || status != StatusNone {
		t.Fatalf("expected stale install to be fully removed, got status %q err=%v", status, err)
	}
	if len(remover.removed) != 1 {
		t.Fatalf("expected RemoveGsiFiles to have run once, got %v", remover.removed)
	}
}

func TestRunStartupTasksAppliesDeferredWipe(t *testing.T) {
	dir := t.TempDir()
	installDir := t.TempDir()
	s := New(dir, nil)

	if err := s.Finalize(installDir, false); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := s.MarkComplete(installDir); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if err := s.Wipe(); err != nil {
		t.Fatalf("Wipe: %v", err)
	}

	remover := &fakeRemover{}
	booted := func() bool { return false }
	if err := s.RunStartupTasks(context.Background(), booted, remover); err != nil {
		t.Fatalf("RunStartupTasks: %v", err)
	}
	status, err := s.ReadStatus()
	if err != nil || status != StatusNone {
		t.Fatalf("expected wipe to fully remove the install, got status %q err=%v", status, err)
	}
}
