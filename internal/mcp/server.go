package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/embeddings"
	"github.com/nickcecere/imgrep/internal/engine"
	"github.com/nickcecere/imgrep/internal/search"
)

const (
	// MCPVersion is the protocol version we support.
	MCPVersion = "2024-11-05"

	// ServerName is the name of this MCP server.
	ServerName = "imgrep"

	// maxInlineImages caps how many result images a search attaches.
	maxInlineImages = 4
)

// ServerVersion is reported in the initialize handshake.
var ServerVersion = "dev"

// Backend is what the MCP tools need from the engine.
type Backend interface {
	Search(ctx context.Context, q search.Query) (*search.Response, error)
	Status() engine.Status
	Reload(ctx context.Context) error
	ImageDir() string
}

// Server is the MCP server for imgrep.
type Server struct {
	backend Backend
	cfg     *config.Config
	log     *log.Logger

	reader *bufio.Reader
	writer io.Writer

	initialized bool
}

// NewServer creates an MCP server speaking on stdin/stdout. Logs must go to
// stderr; stdout carries the protocol.
func NewServer(backend Backend, cfg *config.Config, logger *log.Logger) *Server {
	return NewServerIO(backend, cfg, logger, os.Stdin, os.Stdout)
}

// NewServerIO creates an MCP server on the given streams.
func NewServerIO(backend Backend, cfg *config.Config, logger *log.Logger, r io.Reader, w io.Writer) *Server {
	if logger == nil {
		logger = log.Default()
	}

	return &Server{
		backend: backend,
		cfg:     cfg,
		log:     logger,
		reader:  bufio.NewReader(r),
		writer:  w,
	}
}

// Run processes requests until EOF or until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("MCP server starting")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				s.log.Info("MCP server received EOF, shutting down")
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.sendError(nil, rpcError(CodeParseError, err.Error()))
			continue
		}

		s.handleRequest(ctx, req)
	}
}

// handleRequest processes a single MCP request.
func (s *Server) handleRequest(ctx context.Context, req Request) {
	s.log.Debug("Received request", "method", req.Method, "id", req.ID)

	if req.JSONRPC != jsonRPCVersion {
		if !req.isNotification() {
			s.sendError(req.ID, rpcError(CodeInvalidRequest, "jsonrpc must be "+jsonRPCVersion))
		}
		return
	}

	var result any
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(req.Params)
	case "initialized", "notifications/initialized":
		s.initialized = true
		s.log.Info("MCP server initialized")
		return
	case "tools/list":
		result = s.handleListTools()
	case "tools/call":
		result, err = s.handleCallTool(ctx, req.Params)
	case "ping":
		result = map[string]any{}
	default:
		if !req.isNotification() {
			s.sendError(req.ID, rpcError(CodeMethodNotFound, req.Method))
		}
		return
	}

	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = rpcError(CodeInvalidParams, err.Error())
		}
		s.sendError(req.ID, rpcErr)
		return
	}

	s.sendResult(req.ID, result)
}

func (s *Server) handleInitialize(params json.RawMessage) (*InitializeResult, error) {
	var p initializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcError(CodeInvalidParams, err.Error())
		}
	}

	s.log.Info("Initializing MCP server",
		"clientName", p.ClientInfo.Name,
		"clientVersion", p.ClientInfo.Version,
		"protocolVersion", p.ProtocolVersion,
	)

	return &InitializeResult{
		ProtocolVersion: MCPVersion,
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
	}, nil
}

func (s *Server) handleListTools() *ListToolsResult {
	searchSchema := objectSchema(map[string]Schema{
		"query":          stringArg("What the image shows, in natural language"),
		"image_path":     stringArg("Path to an example image; takes precedence over query"),
		"limit":          intArg("Maximum number of results to return", s.cfg.Search.TopK, 1, s.cfg.Search.MaxTopK),
		"include_images": boolArg(fmt.Sprintf("Attach the first %d matching images to the result", maxInlineImages)),
	})

	return &ListToolsResult{Tools: []Tool{
		{
			Name:        "imgrep_search",
			Description: "Find images by describing them in natural language, or by example with a path to a similar image.",
			InputSchema: searchSchema,
		},
		{
			Name:        "imgrep_status",
			Description: "Show the indexed image directory, image count and embedding model.",
			InputSchema: objectSchema(nil),
		},
		{
			Name:        "imgrep_reload",
			Description: "Rescan the image directory and embed any new or changed images.",
			InputSchema: objectSchema(nil),
		},
	}}
}

func (s *Server) handleCallTool(ctx context.Context, params json.RawMessage) (*CallToolResult, error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcError(CodeInvalidParams, err.Error())
	}

	s.log.Debug("Calling tool", "name", p.Name, "arguments", p.Arguments)

	switch p.Name {
	case "imgrep_search":
		return s.toolSearch(ctx, p.Arguments), nil
	case "imgrep_status":
		return s.toolStatus(), nil
	case "imgrep_reload":
		return s.toolReload(ctx), nil
	default:
		return errorResult("Unknown tool: %s", p.Name), nil
	}
}

func (s *Server) toolSearch(ctx context.Context, args map[string]any) *CallToolResult {
	query, _ := args["query"].(string)
	imagePath, _ := args["image_path"].(string)
	inline, _ := args["include_images"].(bool)

	limit := s.cfg.Search.TopK
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	} else if l, ok := args["limit"].(string); ok {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	q := search.Query{Text: query, TopK: limit}

	if imagePath != "" {
		img, err := embeddings.DecodeImageFile(imagePath, s.cfg.Images.MaxPixels)
		if err != nil {
			return errorResult("Error: %v", err)
		}
		q.Image = img
	}

	resp, err := s.backend.Search(ctx, q)
	if err != nil {
		return errorResult("Error: search failed: %v", err)
	}

	if len(resp.Results) == 0 {
		return textResult("No results found.")
	}

	dir := s.backend.ImageDir()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d images (%s search):\n\n", len(resp.Results), resp.Mode)
	for i, r := range resp.Results {
		fmt.Fprintf(&sb, "[%d] %s - similarity %.2f\n", i+1, filepath.Join(dir, r.Name), r.Score)
	}

	content := []ContentBlock{textContent(sb.String())}

	if inline {
		for _, r := range resp.Results[:min(len(resp.Results), maxInlineImages)] {
			block, err := imageBlock(filepath.Join(dir, r.Name))
			if err != nil {
				s.log.Warn("Failed to attach image", "name", r.Name, "error", err)
				continue
			}
			content = append(content, block)
		}
	}

	return &CallToolResult{Content: content}
}

func (s *Server) toolStatus() *CallToolResult {
	st := s.backend.Status()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Image directory: %s\n", st.ImageDir)
	fmt.Fprintf(&sb, "Cache directory: %s\n", st.CacheDir)
	fmt.Fprintf(&sb, "Images indexed:  %d\n", st.Images)
	fmt.Fprintf(&sb, "Model:           %s (%s, %d dimensions)\n", st.Model, st.Provider, st.Dimensions)
	if !st.LoadedAt.IsZero() {
		fmt.Fprintf(&sb, "Loaded at:       %s\n", st.LoadedAt.Format("2006-01-02 15:04:05"))
	}

	return &CallToolResult{Content: []ContentBlock{textContent(sb.String())}}
}

func (s *Server) toolReload(ctx context.Context) *CallToolResult {
	if err := s.backend.Reload(ctx); err != nil {
		return errorResult("Error: reload failed: %v", err)
	}

	st := s.backend.Status()
	return textResult("Reloaded %s: %d images (%d newly embedded)",
		st.ImageDir, st.Images, st.LastBuild.Embedded)
}

func imageBlock(path string) (ContentBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ContentBlock{}, err
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return imageContent(data, mimeType), nil
}

func (s *Server) sendResult(id any, result any) {
	s.send(Response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(id any, err *RPCError) {
	s.log.Debug("Sending error", "id", id, "error", err)
	s.send(Response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   err,
	})
}

// send writes one response line to the protocol stream.
func (s *Server) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("Failed to marshal response", "error", err)
		return
	}
	fmt.Fprintln(s.writer, string(data))
}
