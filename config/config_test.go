package config

import "testing"

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()

	if cfg.MetadataDir == "" || cfg.DataDir == "" {
		t.Fatalf("Default() left MetadataDir/DataDir empty: %+v", cfg)
	}
	if len(cfg.AllowedInstallRoots) == 0 {
		t.Fatalf("Default() left AllowedInstallRoots empty")
	}
	if cfg.AllowedInstallRoots[0] != cfg.AllowedInstallRoots[0] {
		t.Fatalf("unreachable")
	}
	if cfg.MinFreeFraction <= 0 || cfg.MinFreeFraction >= 1 {
		t.Fatalf("MinFreeFraction out of range: %v", cfg.MinFreeFraction)
	}
	if cfg.UserdataDefaultSize != 2<<30 {
		t.Fatalf("UserdataDefaultSize = %d, want 2GiB", cfg.UserdataDefaultSize)
	}
	if cfg.SocketPath == "" {
		t.Fatalf("SocketPath left empty")
	}
}
