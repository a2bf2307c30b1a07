// Package rpc frames method calls over an attested channel.
//
// A call is a Request carrying a method name and an opaque payload; the
// enclave answers with a Response carrying a status code. Both are RLP
// encoded and sealed by the transport.
package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

type Code uint64

const (
	CodeOK Code = iota
	CodeNotFound
	CodeBadRequest
	CodeInternal
	CodeUnknownMethod
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotFound:
		return "not found"
	case CodeBadRequest:
		return "bad request"
	case CodeInternal:
		return "internal error"
	case CodeUnknownMethod:
		return "unknown method"
	default:
		return fmt.Sprintf("code(%d)", uint64(c))
	}
}

// ErrBadRequest marks method errors caused by the caller's payload.
var ErrBadRequest = errors.New("bad request")

type Request struct {
	Method  string
	Payload []byte
}

type Response struct {
	Code    Code
	Payload []byte
	Error   string
}

// RemoteError is a failure reported by the remote method.
type RemoteError struct {
	Method  string
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}

// Call invokes method on the enclave behind ch. A CodeNotFound answer is
// returned as interfaces.ErrNotFound, other failures as *RemoteError.
func Call(ctx context.Context, t interfaces.Transport, ch interfaces.Channel, method string, payload []byte) ([]byte, error) {
	body, err := rlp.EncodeToBytes(&Request{Method: method, Payload: payload})
	if err != nil {
		return nil, err
	}

	raw, err := t.Send(ctx, ch, body)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := rlp.DecodeBytes(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed %s response: %v", interfaces.ErrTransport, method, err)
	}

	switch resp.Code {
	case CodeOK:
		return resp.Payload, nil
	case CodeNotFound:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, resp.Error)
	default:
		return nil, &RemoteError{Method: method, Code: resp.Code, Message: resp.Error}
	}
}
