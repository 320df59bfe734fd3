package rpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"

	"connectrpc.com/connect"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dsiproject/dsi"
	"github.com/dsiproject/dsi/service"
)

// serviceName is the fully-qualified name procedures are rooted under,
// matching the "/<package>.<Service>/<Method>" shape connect-go generated
// clients expect even though these handlers are hand-registered.
const serviceName = "dsi.v1.DSIService"

func procedure(method string) string { return "/" + serviceName + "/" + method }

type tierContextKey struct{}

func tierFromContext(ctx context.Context) service.CallerTier {
	if t, ok := ctx.Value(tierContextKey{}).(service.CallerTier); ok {
		return t
	}
	return service.TierUnknown
}

// Server serves the RPC surface over a Unix domain socket using cleartext
// HTTP/2 (h2c), since Android's binder transport has no TLS of its own
// either and the socket's filesystem permissions are the access boundary.
type Server struct {
	svc      *service.Service
	resolver TierResolver
	logger   logrus.FieldLogger
	listener net.Listener
	http     *http.Server
}

// NewServer builds a Server; Listen binds it to a socket path, removing
// and recreating the socket file, mirroring the teacher's own Unix-socket admin
// interface setup.
func NewServer(svc *service.Service, resolver TierResolver, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{svc: svc, resolver: resolver, logger: logger.WithField("component", "rpc")}
	mux := http.NewServeMux()
	s.registerUnary(mux)
	s.registerStream(mux)

	h2s := &http2.Server{}
	s.http = &http.Server{
		Handler: h2c.NewHandler(mux, h2s),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			tier := service.TierUnknown
			if uc, ok := c.(*net.UnixConn); ok {
				if t, err := resolver.ResolveTier(uc); err == nil {
					tier = t
				} else {
					s.logger.WithError(err).Warn("rpc: failed to resolve peer credentials")
				}
			}
			return context.WithValue(ctx, tierContextKey{}, tier)
		},
	}
	return s
}

// Listen binds and serves the Unix socket at socketPath until ctx is
// cancelled. It returns once the listener is closed.
func (s *Server) Listen(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.listener = l

	go func() {
		<-ctx.Done()
		s.http.Close()
	}()

	err = s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) registerUnary(mux *http.ServeMux) {
	reg := func(method string, fn func(context.Context, service.CallerTier, []byte) (marshaler, error)) {
		path := procedure(method)
		h := connect.NewUnaryHandler(path,
			func(ctx context.Context, req *connect.Request[rawEnvelope]) (*connect.Response[rawEnvelope], error) {
				resp, err := fn(ctx, tierFromContext(ctx), req.Msg.Body)
				if err != nil {
					return nil, errToConnectError(err)
				}
				body, merr := resp.Marshal()
				if merr != nil {
					return nil, connect.NewError(connect.CodeInternal, merr)
				}
				return connect.NewResponse(&rawEnvelope{Body: body}), nil
			},
			withJSONCodec(),
		)
		mux.Handle(path, h)
	}

	reg("OpenInstall", s.handleOpenInstall)
	reg("CloseInstall", s.handleCloseInstall)
	reg("CreatePartition", s.handleCreatePartition)
	reg("CommitChunkFromMemory", s.handleCommitChunkFromMemory)
	reg("SetSharedBuffer", s.handleSetSharedBuffer)
	reg("CommitChunkFromShared", s.handleCommitChunkFromShared)
	reg("GetInstallProgress", s.handleGetInstallProgress)
	reg("Enable", s.handleEnable)
	reg("IsEnabled", s.handleIsEnabled)
	reg("Disable", s.handleDisable)
	reg("Remove", s.handleRemove)
	reg("CancelInstall", s.handleCancelInstall)
	reg("IsInstalled", s.handleIsInstalled)
	reg("GetInstalledImageDir", s.handleGetInstalledImageDir)
	reg("ZeroPartition", s.handleZeroPartition)
	reg("OpenImageService", s.handleOpenImageService)
	reg("DumpDeviceMapperDevices", s.handleDumpDeviceMapperDevices)
}

// registerStream mounts commit_chunk_from_stream as a plain HTTP handler
// rather than a connect.NewUnaryHandler: the whole point of this operation
// is that the handler gets the request body as a live io.Reader instead of
// a fully codec-decoded struct, mirroring the fd the external protocol
// hands across for this one call.
func (s *Server) registerStream(mux *http.ServeMux) {
	mux.HandleFunc(procedure("CommitChunkFromStream"), func(w http.ResponseWriter, r *http.Request) {
		tier := tierFromContext(r.Context())
		n, err := strconv.ParseInt(r.Header.Get("X-Chunk-Size"), 10, 64)
		if err != nil {
			http.Error(w, "missing or invalid X-Chunk-Size header", http.StatusBadRequest)
			return
		}
		ok, err := s.svc.CommitChunkFromStream(r.Context(), tier, r.Body, n)
		status := dsi.StatusFromError(err)
		resp := dsi.CommitChunkResponse{OK: ok}
		body, merr := resp.Marshal()
		if merr != nil {
			http.Error(w, merr.Error(), http.StatusInternalServerError)
			return
		}
		if err != nil {
			w.Header().Set("X-DSI-Status", status.String())
			w.WriteHeader(http.StatusOK)
		}
		w.Write(body)
	})
}

// rawEnvelope lets the handler do its own typed Marshal/Unmarshal inside
// fn while still satisfying the codec's marshaler interface generically;
// the codec sees only the opaque Body bytes and passes them through.
type rawEnvelope struct {
	Body []byte `json:"-"`
}

func (e *rawEnvelope) Marshal() ([]byte, error) { return e.Body, nil }
func (e *rawEnvelope) Unmarshal(b []byte) error { e.Body = b; return nil }

type marshaler interface {
	Marshal() ([]byte, error)
}
