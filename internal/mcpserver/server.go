// Package mcpserver exposes the tool registry to LLM agents over the Model
// Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/tool"
)

const ServerName = "robotflow"

type Server struct {
	mcpServer *server.MCPServer
	tools     *tool.Registry
	logger    zerolog.Logger
	names     map[string]string // MCP name -> registry name
}

// New registers every tool in reg. MCP tool names use underscores in place
// of dots, so "robot.create" is served as "robot_create".
func New(reg *tool.Registry, version string, logger *zerolog.Logger) (*Server, error) {
	if reg == nil {
		return nil, errors.New("mcpserver: tool registry is required")
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "mcp").Logger()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			ServerName,
			version,
			server.WithToolCapabilities(true),
		),
		tools:  reg,
		logger: l,
		names:  map[string]string{},
	}
	for _, def := range reg.Definitions() {
		name := MCPName(def.Name)
		if prev, dup := s.names[name]; dup {
			return nil, fmt.Errorf("mcpserver: tools %s and %s both map to %s", prev, def.Name, name)
		}
		s.names[name] = def.Name
		s.mcpServer.AddTool(mcpTool(name, def), s.handler(def.Name))
	}
	return s, nil
}

func MCPName(toolName string) string { return strings.ReplaceAll(toolName, ".", "_") }

func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// Serve speaks MCP over in/out until ctx is done or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info().Int("tools", len(s.names)).Msg("serving MCP over stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

func mcpTool(name string, def tool.Definition) mcp.Tool {
	desc := def.Description
	if desc == "" {
		desc = def.Name
	}
	opts := []mcp.ToolOption{mcp.WithDescription(desc)}
	for _, p := range def.Params {
		popts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		switch p.Type {
		case "integer", "number":
			opts = append(opts, mcp.WithNumber(p.Name, popts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(p.Name, popts...))
		case "object":
			opts = append(opts, mcp.WithObject(p.Name, popts...))
		case "array":
			opts = append(opts, mcp.WithArray(p.Name, popts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, popts...))
		}
	}
	return mcp.NewTool(name, opts...)
}

func (s *Server) handler(toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		p, err := s.tools.Invoke(ctx, toolName, args)
		if err != nil {
			cat := failure.Classify(err)
			s.logger.Warn().Str("tool", toolName).Str("category", string(cat)).Err(err).Msg("tool call failed")
			return mcp.NewToolResultError(failureText(cat, err)), nil
		}
		s.logger.Debug().Str("tool", toolName).Str("call_id", p.CallID).Dur("took", p.Duration).Msg("tool call")
		return mcp.NewToolResultText(payloadText(p)), nil
	}
}

func payloadText(p tool.Payload) string {
	text := tool.Truncate(p.Output, tool.MaxSummaryChars)
	if len(p.Data) == 0 {
		return text
	}
	b, err := json.MarshalIndent(p.Data, "", "  ")
	if err != nil {
		return text
	}
	if strings.TrimSpace(text) == "" {
		return string(b)
	}
	return text + "\n\n" + string(b)
}

func failureText(cat failure.Category, err error) string {
	var b strings.Builder
	msg := err.Error()
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Category == "" {
		msg = fmt.Sprintf("%s: %s", cat, msg)
	}
	b.WriteString(msg)
	if hint := cat.Remediation(); hint != "" {
		b.WriteString("\nremediation: ")
		b.WriteString(hint)
	}
	if fe != nil && strings.TrimSpace(fe.Output) != "" {
		b.WriteString("\n\n")
		b.WriteString(tool.Truncate(fe.Output, tool.MaxSummaryChars))
	}
	return b.String()
}
