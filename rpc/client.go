package rpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"connectrpc.com/connect"

	"github.com/dsiproject/dsi"
)

// Client is the dsictl-facing handle onto a running daemon's Unix socket.
type Client struct {
	http       *http.Client
	baseURL    string
	socketPath string
}

// NewClient dials socketPath lazily; connections are opened on demand and
// pooled by the HTTP transport.
func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
		baseURL:    "http://dsi.local",
		socketPath: socketPath,
	}
}

// wireValue is satisfied by every request/response type in types.go.
type wireValue interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

func call[Req, Resp wireValue](ctx context.Context, c *Client, method string, req Req, resp Resp) error {
	client := connect.NewClient[rawEnvelope, rawEnvelope](c.http, c.baseURL, withJSONCodec())
	body, err := req.Marshal()
	if err != nil {
		return err
	}
	out, err := client.CallUnary(ctx, connect.NewRequest(&rawEnvelope{Body: body}))
	if err != nil {
		return err
	}
	return resp.Unmarshal(out.Msg.Body)
}

func (c *Client) OpenInstall(ctx context.Context, installDir string, wipe bool) (dsi.Status, error) {
	req := &dsi.OpenInstallRequest{InstallDir: installDir, Wipe: wipe}
	resp := &dsi.OpenInstallResponse{}
	err := call[*dsi.OpenInstallRequest](ctx, c, "OpenInstall", req, resp)
	return resp.Status, err
}

func (c *Client) CreatePartition(ctx context.Context, name string, size int64, readOnly bool) (dsi.Status, error) {
	req := &dsi.CreatePartitionRequest{Name: name, Size: size, ReadOnly: readOnly}
	resp := &dsi.CreatePartitionResponse{}
	err := call[*dsi.CreatePartitionRequest](ctx, c, "CreatePartition", req, resp)
	return resp.Status, err
}

func (c *Client) CommitChunkFromMemory(ctx context.Context, data []byte) (bool, error) {
	req := &dsi.CommitChunkFromMemoryRequest{Bytes: data}
	resp := &dsi.CommitChunkResponse{}
	err := call[*dsi.CommitChunkFromMemoryRequest](ctx, c, "CommitChunkFromMemory", req, resp)
	return resp.OK, err
}

// CommitChunkFromStream posts r directly as the HTTP request body against
// the plain-HTTP endpoint registered in registerStream, bypassing the
// connect codec so the daemon sees a live reader rather than a buffered
// struct.
func (c *Client) CommitChunkFromStream(ctx context.Context, r io.Reader, n int64) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+procedure("CommitChunkFromStream"), r)
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("X-Chunk-Size", strconv.FormatInt(n, 10))
	httpReq.ContentLength = n

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return false, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("rpc: commit_chunk_from_stream: %s", httpResp.Status)
	}
	var resp dsi.CommitChunkResponse
	if err := resp.Unmarshal(body); err != nil {
		return false, err
	}
	if statusHeader := httpResp.Header.Get("X-DSI-Status"); statusHeader != "" && statusHeader != dsi.StatusOK.String() {
		return resp.OK, fmt.Errorf("rpc: commit_chunk_from_stream: %s", statusHeader)
	}
	return resp.OK, nil
}

func (c *Client) GetInstallProgress(ctx context.Context) (dsi.Progress, error) {
	req := &dsi.GetInstallProgressRequest{}
	resp := &dsi.GetInstallProgressResponse{}
	err := call[*dsi.GetInstallProgressRequest](ctx, c, "GetInstallProgress", req, resp)
	return resp.Progress, err
}

func (c *Client) Enable(ctx context.Context, oneShot bool) (dsi.Status, error) {
	req := &dsi.EnableRequest{OneShot: oneShot}
	resp := &dsi.EnableResponse{}
	err := call[*dsi.EnableRequest](ctx, c, "Enable", req, resp)
	return resp.Status, err
}

func (c *Client) IsEnabled(ctx context.Context) (bool, error) {
	req := &dsi.IsEnabledRequest{}
	resp := &dsi.IsEnabledResponse{}
	err := call[*dsi.IsEnabledRequest](ctx, c, "IsEnabled", req, resp)
	return resp.Enabled, err
}

func (c *Client) Disable(ctx context.Context) (bool, error) {
	req := &dsi.DisableRequest{}
	resp := &dsi.DisableResponse{}
	err := call[*dsi.DisableRequest](ctx, c, "Disable", req, resp)
	return resp.OK, err
}

func (c *Client) Remove(ctx context.Context) (bool, error) {
	req := &dsi.RemoveRequest{}
	resp := &dsi.RemoveResponse{}
	err := call[*dsi.RemoveRequest](ctx, c, "Remove", req, resp)
	return resp.OK, err
}

func (c *Client) CancelInstall(ctx context.Context) (bool, error) {
	req := &dsi.CancelInstallRequest{}
	resp := &dsi.CancelInstallResponse{}
	err := call[*dsi.CancelInstallRequest](ctx, c, "CancelInstall", req, resp)
	return resp.OK, err
}

func (c *Client) IsInstalled(ctx context.Context) (installed, running, inProgress bool, err error) {
	req := &dsi.IsInstalledRequest{}
	resp := &dsi.IsInstalledResponse{}
	err = call[*dsi.IsInstalledRequest](ctx, c, "IsInstalled", req, resp)
	return resp.IsInstalled, resp.IsRunning, resp.IsInProgress, err
}

func (c *Client) GetInstalledImageDir(ctx context.Context) (string, error) {
	req := &dsi.GetInstalledImageDirRequest{}
	resp := &dsi.GetInstalledImageDirResponse{}
	err := call[*dsi.GetInstalledImageDirRequest](ctx, c, "GetInstalledImageDir", req, resp)
	return resp.InstallDir, err
}

func (c *Client) ZeroPartition(ctx context.Context, name string) (dsi.Status, error) {
	req := &dsi.ZeroPartitionRequest{Name: name}
	resp := &dsi.ZeroPartitionResponse{}
	err := call[*dsi.ZeroPartitionRequest](ctx, c, "ZeroPartition", req, resp)
	return resp.Status, err
}

func (c *Client) DumpDeviceMapperDevices(ctx context.Context) (string, error) {
	req := &dsi.DumpDeviceMapperDevicesRequest{}
	resp := &dsi.DumpDeviceMapperDevicesResponse{}
	err := call[*dsi.DumpDeviceMapperDevicesRequest](ctx, c, "DumpDeviceMapperDevices", req, resp)
	return resp.Dump, err
}
