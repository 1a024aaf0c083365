package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/renato0307/tether/internal/domain"
)

// JSON-RPC error codes
const (
	CodeInternalError  = -32603
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
)

const jsonrpcVersion = "2.0"

type outgoingRequest struct {
	ID      domain.RequestID `json:"id"`
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  any              `json:"params,omitempty"`
}

type outgoingResponse struct {
	Error   *domain.RPCError `json:"error,omitempty"`
	ID      domain.RequestID `json:"id"`
	JSONRPC string           `json:"jsonrpc"`
	Result  any              `json:"result,omitempty"`
}

// EncodeRequest renders a newline-terminated JSON-RPC request
func EncodeRequest(id domain.RequestID, method string, params any) ([]byte, error) {
	return encodeLine(outgoingRequest{ID: id, JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

type outgoingNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// EncodeNotification renders a request that expects no reply
func EncodeNotification(method string, params any) ([]byte, error) {
	return encodeLine(outgoingNotification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

// EncodeResponse renders a successful reply to a request raised by the child
func EncodeResponse(id domain.RequestID, result any) ([]byte, error) {
	if result == nil {
		result = struct{}{}
	}
	return encodeLine(outgoingResponse{ID: id, JSONRPC: jsonrpcVersion, Result: result})
}

// EncodeError renders an error reply
func EncodeError(id domain.RequestID, code int, message string) ([]byte, error) {
	return encodeLine(outgoingResponse{
		Error:   &domain.RPCError{Code: code, Message: message},
		ID:      id,
		JSONRPC: jsonrpcVersion,
	})
}

// MethodNotFound renders the standard rejection for unsupported methods
func MethodNotFound(id domain.RequestID) ([]byte, error) {
	return EncodeError(id, CodeMethodNotFound, domain.ErrUnsupportedMethod.Error())
}

func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(data, '\n'), nil
}
