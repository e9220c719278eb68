package transport

import (
	"context"
	"fmt"
	"time"
)

// Maximum size of an RPC request or response payload
const MaxRPCPayloadBytes = 15 * 1024

// Time that a caller waits for the recipient to acknowledge an RPC request
const RPCAckTimeout = 2 * time.Second

// Default time that a caller waits for an RPC response
const DefaultRPCResponseTimeout = 10 * time.Second

// RPC error codes. 14xx are protocol errors, 15xx are failures of a particular call.
const (
	RPCUnsupportedMethod   = 1400
	RPCRecipientNotFound   = 1401
	RPCRequestTooLarge     = 1402
	RPCUnsupportedServer   = 1403
	RPCUnsupportedVersion  = 1404
	RPCApplicationError    = 1500
	RPCConnectionTimeout   = 1501
	RPCResponseTimeout     = 1502
	RPCRecipientDisconnect = 1503
	RPCResponseTooLarge    = 1504
	RPCSendFailed          = 1505
)

var rpcErrorMessages = map[int]string{
	RPCUnsupportedMethod:   "Method not supported at destination",
	RPCRecipientNotFound:   "Recipient not found",
	RPCRequestTooLarge:     "Request too large",
	RPCUnsupportedServer:   "RPC not supported by server",
	RPCUnsupportedVersion:  "Unsupported RPC version",
	RPCApplicationError:    "Application error in method handler",
	RPCConnectionTimeout:   "Connection timeout",
	RPCResponseTimeout:     "Response timeout",
	RPCRecipientDisconnect: "Recipient disconnected",
	RPCResponseTooLarge:    "Response payload too large",
	RPCSendFailed:          "Failed to send",
}

// RPCError is the error returned by PerformRPC, and the error that a handler
// can return to send a specific code back to the caller.
type RPCError struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
	Data    string `cbor:"data,omitempty"`
}

func NewRPCError(code int, data string) *RPCError {
	msg, ok := rpcErrorMessages[code]
	if !ok {
		msg = "RPC error"
	}
	return &RPCError{
		Code:    code,
		Message: msg,
		Data:    data,
	}
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("RPC error %v: %v (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %v: %v", e.Code, e.Message)
}

// RPCInvocation is an incoming request, handed to an RPCHandler
type RPCInvocation struct {
	RequestID       string
	CallerIdentity  string
	Method          string
	Payload         string
	ResponseTimeout time.Duration
}

// RPCHandler serves one method. The context expires when the caller stops waiting.
// Returning an *RPCError sends that error to the caller. Any other error is sent as RPCApplicationError.
type RPCHandler func(ctx context.Context, inv *RPCInvocation) (string, error)

// RPCRegistration is returned by RegisterRPCMethod
type RPCRegistration struct {
	room   *Room
	method string
}

// Close unregisters the method. Requests that are already running are not interrupted.
func (r *RPCRegistration) Close() {
	r.room.unregisterRPC(r.method)
}

type rpcResult struct {
	payload string
	err     *RPCError
}

type pendingRPC struct {
	destination string
	ack         chan struct{}
	result      chan rpcResult
}
