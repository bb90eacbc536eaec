// Package mcp serves image search to MCP clients over stdio.
package mcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const jsonRPCVersion = "2.0"

// Request is an incoming JSON-RPC 2.0 message. Messages without an ID are
// notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r Request) isNotification() bool {
	return r.ID == nil
}

// Response is an outgoing JSON-RPC 2.0 message.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

var codeMessages = map[int]string{
	CodeParseError:     "Parse error",
	CodeInvalidRequest: "Invalid request",
	CodeMethodNotFound: "Method not found",
	CodeInvalidParams:  "Invalid params",
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (%d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// rpcError builds an error carrying the standard message for code.
func rpcError(code int, data string) *RPCError {
	return &RPCError{Code: code, Message: codeMessages[code], Data: data}
}

// initializeParams holds the parts of an initialize request worth logging.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version,omitempty"`
	} `json:"clientInfo"`
}

// ServerInfo identifies the server to clients.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult answers initialize. imgrep only offers tools.
type InitializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    struct {
		Tools struct{} `json:"tools"`
	} `json:"capabilities"`
	ServerInfo ServerInfo `json:"serverInfo"`
}

// Tool is an entry of tools/list.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema Schema `json:"inputSchema"`
}

// Schema is the subset of JSON Schema used to describe tool arguments.
type Schema struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]Schema `json:"properties,omitempty"`
	Required    []string          `json:"required,omitempty"`
	Default     any               `json:"default,omitempty"`
	Minimum     *int              `json:"minimum,omitempty"`
	Maximum     *int              `json:"maximum,omitempty"`
}

func objectSchema(props map[string]Schema, required ...string) Schema {
	return Schema{Type: "object", Properties: props, Required: required}
}

func stringArg(description string) Schema {
	return Schema{Type: "string", Description: description}
}

func intArg(description string, def, lo, hi int) Schema {
	return Schema{Type: "integer", Description: description, Default: def, Minimum: &lo, Maximum: &hi}
}

func boolArg(description string) Schema {
	return Schema{Type: "boolean", Description: description, Default: false}
}

// ListToolsResult answers tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams are the parameters of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult answers tools/call. Tool failures are reported here with
// IsError set, not as JSON-RPC errors.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one item of a tool result: text, or a base64 image.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

func textContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

func imageContent(data []byte, mimeType string) ContentBlock {
	return ContentBlock{
		Type:     "image",
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}
}

func textResult(format string, args ...any) *CallToolResult {
	return &CallToolResult{Content: []ContentBlock{textContent(fmt.Sprintf(format, args...))}}
}

func errorResult(format string, args ...any) *CallToolResult {
	res := textResult(format, args...)
	res.IsError = true
	return res
}
