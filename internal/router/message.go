package router

import "encoding/json"

// JSON-RPC error codes used for proxy-level routing errors.
const (
	codeParseError      = -32700
	codeInvalidRequest  = -32600
	codeSessionNotFound = -32001
)

// rpcMessage is a minimal parse of a JSON-RPC 2.0 message. Only the fields
// the router needs for dispatch are decoded; payloads stay opaque.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
}

func parseMessage(raw []byte) (rpcMessage, error) {
	var msg rpcMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

// rpcError represents a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// responseIsError reports whether a marshaled JSON-RPC response carries an
// error envelope.
func responseIsError(raw []byte) bool {
	var env struct {
		Error *rpcError `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	return env.Error != nil
}

// makeErrorResponse builds a JSON-RPC error response for a given request ID.
// A nil id yields "id": null, which is what protocol-level errors require.
func makeErrorResponse(id json.RawMessage, code int, message string) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   rpcError        `json:"error"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcError{Code: code, Message: message},
	}
	data, _ := json.Marshal(resp)
	return data
}
