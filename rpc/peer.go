package rpc

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/dsiproject/dsi/service"
)

// TierResolver maps a connecting process's uid to a service.CallerTier, the
// same way the original gsid maps Android AIDs (AID_ROOT, AID_SYSTEM,
// AID_SHELL) onto its three privilege tiers. The zero value treats every
// uid as TierShell except uid 0, which this port treats as TierRoot.
type TierResolver struct {
	// SystemUID is the uid treated as TierSystem (the system_server
	// equivalent). 0 disables this mapping.
	SystemUID uint32
}

// ResolveTier inspects the peer credentials of an accepted Unix socket
// connection via SO_PEERCRED and returns the caller's tier.
func (r TierResolver) ResolveTier(conn *net.UnixConn) (service.CallerTier, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return service.TierUnknown, err
	}

	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return service.TierUnknown, err
	}
	if sockErr != nil {
		return service.TierUnknown, sockErr
	}

	switch {
	case cred.Uid == 0:
		return service.TierRoot, nil
	case r.SystemUID != 0 && cred.Uid == r.SystemUID:
		return service.TierSystem, nil
	default:
		return service.TierShell, nil
	}
}
