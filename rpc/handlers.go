package rpc

import (
	"context"

	"github.com/dsiproject/dsi"
	"github.com/dsiproject/dsi/service"
)

func (s *Server) handleOpenInstall(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	var req dsi.OpenInstallRequest
	if err := req.Unmarshal(body); err != nil {
		return nil, err
	}
	status, err := s.svc.OpenInstall(ctx, tier, req)
	if err != nil {
		return nil, err
	}
	return &dsi.OpenInstallResponse{Status: status}, nil
}

func (s *Server) handleCloseInstall(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	status, err := s.svc.CloseInstall(ctx, tier)
	if err != nil {
		return nil, err
	}
	return &dsi.CloseInstallResponse{Status: status}, nil
}

func (s *Server) handleCreatePartition(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	var req dsi.CreatePartitionRequest
	if err := req.Unmarshal(body); err != nil {
		return nil, err
	}
	status, err := s.svc.CreatePartition(ctx, tier, req)
	if err != nil {
		return nil, err
	}
	return &dsi.CreatePartitionResponse{Status: status}, nil
}

func (s *Server) handleCommitChunkFromMemory(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	var req dsi.CommitChunkFromMemoryRequest
	if err := req.Unmarshal(body); err != nil {
		return nil, err
	}
	ok, err := s.svc.CommitChunkFromMemory(ctx, tier, req.Bytes)
	if err != nil {
		return nil, err
	}
	return &dsi.CommitChunkResponse{OK: ok}, nil
}

func (s *Server) handleSetSharedBuffer(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	var req dsi.SetSharedBufferRequest
	if err := req.Unmarshal(body); err != nil {
		return nil, err
	}
	ok, err := s.svc.SetSharedBuffer(ctx, tier, req.Size)
	if err != nil {
		return nil, err
	}
	return &dsi.CommitChunkResponse{OK: ok}, nil
}

func (s *Server) handleCommitChunkFromShared(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	var req dsi.CommitChunkFromSharedRequest
	if err := req.Unmarshal(body); err != nil {
		return nil, err
	}
	ok, err := s.svc.CommitChunkFromShared(ctx, tier, req.Size)
	if err != nil {
		return nil, err
	}
	return &dsi.CommitChunkResponse{OK: ok}, nil
}

func (s *Server) handleGetInstallProgress(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	prog, err := s.svc.GetInstallProgress(ctx, tier)
	if err != nil {
		return nil, err
	}
	return &dsi.GetInstallProgressResponse{Progress: prog}, nil
}

func (s *Server) handleEnable(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	var req dsi.EnableRequest
	if err := req.Unmarshal(body); err != nil {
		return nil, err
	}
	status, err := s.svc.Enable(ctx, tier, req)
	if err != nil {
		return nil, err
	}
	return &dsi.EnableResponse{Status: status}, nil
}

func (s *Server) handleIsEnabled(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	enabled, err := s.svc.IsEnabled(ctx, tier)
	if err != nil {
		return nil, err
	}
	return &dsi.IsEnabledResponse{Enabled: enabled}, nil
}

func (s *Server) handleDisable(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	ok, err := s.svc.Disable(ctx, tier)
	if err != nil {
		return nil, err
	}
	return &dsi.DisableResponse{OK: ok}, nil
}

func (s *Server) handleRemove(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	ok, err := s.svc.Remove(ctx, tier)
	if err != nil {
		return nil, err
	}
	return &dsi.RemoveResponse{OK: ok}, nil
}

func (s *Server) handleCancelInstall(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	ok, err := s.svc.CancelInstall(ctx, tier)
	if err != nil {
		return nil, err
	}
	return &dsi.CancelInstallResponse{OK: ok}, nil
}

func (s *Server) handleIsInstalled(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	installed, running, inProgress, err := s.svc.IsInstalled(ctx, tier)
	if err != nil {
		return nil, err
	}
	return &dsi.IsInstalledResponse{IsInstalled: installed, IsRunning: running, IsInProgress: inProgress}, nil
}

func (s *Server) handleGetInstalledImageDir(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	dir, err := s.svc.GetInstalledImageDir(ctx, tier)
	if err != nil {
		return nil, err
	}
	return &dsi.GetInstalledImageDirResponse{InstallDir: dir}, nil
}

func (s *Server) handleZeroPartition(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	var req dsi.ZeroPartitionRequest
	if err := req.Unmarshal(body); err != nil {
		return nil, err
	}
	status, err := s.svc.ZeroPartition(ctx, tier, req.Name)
	if err != nil {
		return nil, err
	}
	return &dsi.ZeroPartitionResponse{Status: status}, nil
}

func (s *Server) handleOpenImageService(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	var req dsi.OpenImageServiceRequest
	if err := req.Unmarshal(body); err != nil {
		return nil, err
	}
	handle, err := s.svc.OpenImageService(ctx, tier, req.Prefix)
	if err != nil {
		return nil, err
	}
	return &dsi.OpenImageServiceResponse{Handle: handle}, nil
}

func (s *Server) handleDumpDeviceMapperDevices(ctx context.Context, tier service.CallerTier, body []byte) (marshaler, error) {
	dump, err := s.svc.DumpDeviceMapperDevices(ctx, tier)
	if err != nil {
		return nil, err
	}
	return &dsi.DumpDeviceMapperDevicesResponse{Dump: dump}, nil
}
