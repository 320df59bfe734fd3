package dsi

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// sessionIDNamespace is a stable, process-wide namespace used when deriving
// deterministic session IDs from an install directory and partition name.
//
// The exact value is not externally visible, but must remain stable over
// time so that reopening the same partition in the same install directory
// always yields the same session ID.
const sessionIDNamespace = "dsi-session-v1"

// DeriveSessionID deterministically derives a session identifier from an
// install directory and partition name.
//
// This is the single source of truth for session identity: two
// open_install/create_partition calls against the same (install_dir, name)
// pair always derive the same ID, so a crash-recovery pass can reassociate
// an on-disk backing image with the session that created it without a
// separate side-channel.
func DeriveSessionID(installDir, partitionName string) string {
	h := sha256.Sum256([]byte(sessionIDNamespace + ":" + installDir + ":" + partitionName))
	return "dsi_" + hex.EncodeToString(h[:])[:32]
}

// NormalizeInstallDir validates and normalizes a caller-supplied install
// directory: it must be absolute and is always returned with a trailing
// slash, matching the install_dir invariant in SPEC_FULL.md §3.
func NormalizeInstallDir(dir string) (string, error) {
	if dir == "" {
		return "", &NotFoundError{Name: "install_dir"}
	}
	clean := filepath.Clean(dir)
	if !filepath.IsAbs(clean) {
		return "", &SecurityError{Operation: "open_install", Caller: "path:" + dir}
	}
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	return clean, nil
}
