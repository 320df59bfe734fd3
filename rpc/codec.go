// Package rpc wires the service core onto a Unix-socket connect-go
// transport: a hand-registered JSON codec, one connect.NewUnaryHandler per
// operation in the RPC surface, SO_PEERCRED-derived caller tiers, and a
// thin client for dsictl. See DESIGN.md for why this replaces generated
// protobuf stubs.
package rpc

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"

	"github.com/dsiproject/dsi"
)

// codecName is registered with connect.WithCodec on both server and client
// sides, replacing connect-go's default "json" codec; the default
// "proto" codec stays registered.
const codecName = "json"

// jsonCodec marshals the plain request/response structs in types.go. Each
// of those types carries its own Marshal/Unmarshal methods in the
// teacher's style; jsonCodec falls back to encoding/json directly for any
// value that doesn't implement that interface (connect-go internally
// codec some non-payload values, such as *emptypb.Empty-equivalents).
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(interface{ Marshal() ([]byte, error) }); ok {
		return m.Marshal()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if u, ok := v.(interface{ Unmarshal([]byte) error }); ok {
		return u.Unmarshal(data)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: unmarshal into %T: %w", v, err)
	}
	return nil
}

// withJSONCodec is shared by server handler registration and client
// construction so both sides agree on the wire format.
func withJSONCodec() connect.Option {
	return connect.WithCodec(jsonCodec{})
}

// statusToConnectCode maps the internal status taxonomy onto connect-go's
// presentation-layer error codes, per SPEC_FULL.md §7: the taxonomy itself
// still travels unchanged in the response payload's status field, this
// mapping only shapes what a connect-aware client sees as a transport
// error.
func statusToConnectCode(status dsi.Status) connect.Code {
	switch status {
	case dsi.StatusOK:
		return 0
	case dsi.StatusNoSpace:
		return connect.CodeResourceExhausted
	case dsi.StatusFileSystemCluttered:
		return connect.CodeFailedPrecondition
	default:
		return connect.CodeInternal
	}
}

func errToConnectError(err error) *connect.Error {
	if dsi.IsSecurityError(err) {
		return connect.NewError(connect.CodePermissionDenied, err)
	}
	status := dsi.StatusFromError(err)
	code := statusToConnectCode(status)
	if code == 0 {
		code = connect.CodeInternal
	}
	return connect.NewError(code, err)
}
