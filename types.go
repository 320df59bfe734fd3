package dsi

import (
	"encoding/json"
	"time"
)

// Progress is the single mutable record the streaming writer updates and a
// client polls asynchronously. Callers read a copy; the InstallSession is
// the only writer.
type Progress struct {
	Step      string         `json:"step"`
	Status    ProgressStatus `json:"status"`
	Processed uint64         `json:"processed"`
	Total     uint64         `json:"total"`
}

// The following request/response pairs are the wire payloads for the RPC
// surface in SPEC_FULL.md §6. Each type carries JSON Marshal/Unmarshal
// methods in the same style as the reference codebase's request/response
// types, so they can be registered against a custom connect.Codec without
// depending on generated protobuf code (see DESIGN.md for the rationale).

type OpenInstallRequest struct {
	InstallDir string `json:"install_dir"`
	// Wipe threads the CLI's "install --wipe" intent through to every
	// partition created under this install, since the RPC surface has no
	// per-partition wipe argument of its own.
	Wipe bool `json:"wipe"`
}

type OpenInstallResponse struct {
	Status Status `json:"status"`
}

type CloseInstallRequest struct{}

type CloseInstallResponse struct {
	Status Status `json:"status"`
}

type CreatePartitionRequest struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	ReadOnly bool   `json:"read_only"`
}

type CreatePartitionResponse struct {
	Status Status `json:"status"`
}

type CommitChunkFromMemoryRequest struct {
	Bytes []byte `json:"bytes"`
}

type CommitChunkFromStreamRequest struct {
	// Bytes is the number of bytes the caller promises the accompanying
	// stream body will contain; the transport hands the handler an
	// io.Reader for the body itself.
	Bytes int64 `json:"bytes"`
}

type CommitChunkFromSharedRequest struct {
	Size int64 `json:"size"`
}

type SetSharedBufferRequest struct {
	Size int64 `json:"size"`
}

type CommitChunkResponse struct {
	OK bool `json:"ok"`
}

type GetInstallProgressRequest struct{}

type GetInstallProgressResponse struct {
	Progress Progress `json:"progress"`
}

type EnableRequest struct {
	OneShot bool `json:"one_shot"`
}

type EnableResponse struct {
	Status Status `json:"status"`
}

type IsEnabledRequest struct{}

type IsEnabledResponse struct {
	Enabled bool `json:"enabled"`
}

type DisableRequest struct{}

type DisableResponse struct {
	OK bool `json:"ok"`
}

type RemoveRequest struct{}

type RemoveResponse struct {
	OK bool `json:"ok"`
}

type CancelInstallRequest struct{}

type CancelInstallResponse struct {
	OK bool `json:"ok"`
}

type IsInstalledRequest struct{}

type IsInstalledResponse struct {
	IsInstalled  bool `json:"is_installed"`
	IsRunning    bool `json:"is_running"`
	IsInProgress bool `json:"is_in_progress"`
}

type GetInstalledImageDirRequest struct{}

type GetInstalledImageDirResponse struct {
	InstallDir string `json:"install_dir"`
}

type ZeroPartitionRequest struct {
	Name string `json:"name"`
}

type ZeroPartitionResponse struct {
	Status Status `json:"status"`
}

type OpenImageServiceRequest struct {
	Prefix string `json:"prefix"`
}

type OpenImageServiceResponse struct {
	Handle string `json:"handle"`
}

type DumpDeviceMapperDevicesRequest struct{}

type DumpDeviceMapperDevicesResponse struct {
	Dump string `json:"dump"`
}

// marshaler is implemented by every request/response type above; it backs
// the custom connect.Codec registered in the rpc package.
type marshaler interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

func (r *OpenInstallRequest) Marshal() ([]byte, error)      { return json.Marshal(r) }
func (r *OpenInstallRequest) Unmarshal(b []byte) error      { return json.Unmarshal(b, r) }
func (r *OpenInstallResponse) Marshal() ([]byte, error)     { return json.Marshal(r) }
func (r *OpenInstallResponse) Unmarshal(b []byte) error     { return json.Unmarshal(b, r) }
func (r *CloseInstallRequest) Marshal() ([]byte, error)     { return json.Marshal(r) }
func (r *CloseInstallRequest) Unmarshal(b []byte) error     { return json.Unmarshal(b, r) }
func (r *CloseInstallResponse) Marshal() ([]byte, error)    { return json.Marshal(r) }
func (r *CloseInstallResponse) Unmarshal(b []byte) error    { return json.Unmarshal(b, r) }
func (r *CreatePartitionRequest) Marshal() ([]byte, error)   { return json.Marshal(r) }
func (r *CreatePartitionRequest) Unmarshal(b []byte) error   { return json.Unmarshal(b, r) }
func (r *CreatePartitionResponse) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *CreatePartitionResponse) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *CommitChunkFromMemoryRequest) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *CommitChunkFromMemoryRequest) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *CommitChunkFromStreamRequest) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *CommitChunkFromStreamRequest) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *CommitChunkFromSharedRequest) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *CommitChunkFromSharedRequest) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *SetSharedBufferRequest) Marshal() ([]byte, error)   { return json.Marshal(r) }
func (r *SetSharedBufferRequest) Unmarshal(b []byte) error   { return json.Unmarshal(b, r) }
func (r *CommitChunkResponse) Marshal() ([]byte, error)      { return json.Marshal(r) }
func (r *CommitChunkResponse) Unmarshal(b []byte) error      { return json.Unmarshal(b, r) }
func (r *GetInstallProgressRequest) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *GetInstallProgressRequest) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *GetInstallProgressResponse) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *GetInstallProgressResponse) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *EnableRequest) Marshal() ([]byte, error)   { return json.Marshal(r) }
func (r *EnableRequest) Unmarshal(b []byte) error   { return json.Unmarshal(b, r) }
func (r *EnableResponse) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *EnableResponse) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *IsEnabledRequest) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *IsEnabledRequest) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *IsEnabledResponse) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *IsEnabledResponse) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *DisableRequest) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *DisableRequest) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *DisableResponse) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *DisableResponse) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *RemoveRequest) Marshal() ([]byte, error)   { return json.Marshal(r) }
func (r *RemoveRequest) Unmarshal(b []byte) error   { return json.Unmarshal(b, r) }
func (r *RemoveResponse) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *RemoveResponse) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *CancelInstallRequest) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *CancelInstallRequest) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *CancelInstallResponse) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *CancelInstallResponse) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *IsInstalledRequest) Marshal() ([]byte, error)   { return json.Marshal(r) }
func (r *IsInstalledRequest) Unmarshal(b []byte) error   { return json.Unmarshal(b, r) }
func (r *IsInstalledResponse) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *IsInstalledResponse) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *GetInstalledImageDirRequest) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *GetInstalledImageDirRequest) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *GetInstalledImageDirResponse) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *GetInstalledImageDirResponse) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *ZeroPartitionRequest) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *ZeroPartitionRequest) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *ZeroPartitionResponse) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *ZeroPartitionResponse) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *OpenImageServiceRequest) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *OpenImageServiceRequest) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *OpenImageServiceResponse) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *OpenImageServiceResponse) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *DumpDeviceMapperDevicesRequest) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *DumpDeviceMapperDevicesRequest) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *DumpDeviceMapperDevicesResponse) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *DumpDeviceMapperDevicesResponse) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }

// FormatEventTime is used by the auditlog package to stamp history rows
// (UTC, RFC 3339 with nanoseconds).
func FormatEventTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
