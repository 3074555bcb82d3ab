package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/tool"
)

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Tool{
		Definition: tool.Definition{
			Name:        "robot.create",
			Description: "Create a robot from a template",
			Params: []tool.Param{
				{Name: "directory", Required: true, Description: "target directory"},
				{Name: "template", Description: "template name"},
			},
		},
		Exec: func(ctx context.Context, args map[string]any) (tool.Payload, error) {
			return tool.Payload{
				Output: "OK",
				Data:   map[string]any{"directory": args["directory"]},
			}, nil
		},
	}))
	require.NoError(t, reg.Register(tool.Tool{
		Definition: tool.Definition{Name: "robot.testrun", Params: []tool.Param{{Name: "robot_path", Required: true}}},
		Exec: func(ctx context.Context, args map[string]any) (tool.Payload, error) {
			return tool.Payload{}, &failure.Error{Category: failure.TestFailure, Message: "1 task failed", Output: "FAIL: Minimal task"}
		},
	}))
	return reg
}

func call(t *testing.T, s *Server, id int, method string, params any) map[string]any {
	t.Helper()
	b, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	require.NoError(t, err)
	resp := s.MCPServer().HandleMessage(context.Background(), b)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Nil(t, out["error"], "unexpected JSON-RPC error: %s", raw)
	return out["result"].(map[string]any)
}

func initialize(t *testing.T, s *Server) {
	t.Helper()
	call(t, s, 0, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
	})
}

func TestServer_ListsRegistryTools(t *testing.T) {
	s, err := New(testRegistry(t), "test", nil)
	require.NoError(t, err)
	initialize(t, s)

	res := call(t, s, 1, "tools/list", map[string]any{})
	tools := res["tools"].([]any)
	require.Len(t, tools, 2)

	byName := map[string]map[string]any{}
	for _, tl := range tools {
		m := tl.(map[string]any)
		byName[m["name"].(string)] = m
	}
	create := byName["robot_create"]
	require.NotNil(t, create)
	assert.Equal(t, "Create a robot from a template", create["description"])
	schema := create["inputSchema"].(map[string]any)
	assert.Contains(t, schema["properties"], "directory")
	assert.Equal(t, []any{"directory"}, schema["required"])
	assert.Contains(t, byName, "robot_testrun")
}

func TestServer_CallTool(t *testing.T) {
	s, err := New(testRegistry(t), "test", nil)
	require.NoError(t, err)
	initialize(t, s)

	res := call(t, s, 2, "tools/call", map[string]any{"name": "robot_create", "arguments": map[string]any{"directory": "demo"}})
	assert.NotEqual(t, true, res["isError"])
	text := res["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "OK")
	assert.Contains(t, text, `"directory": "demo"`)

	res = call(t, s, 3, "tools/call", map[string]any{"name": "robot_testrun", "arguments": map[string]any{"robot_path": "demo"}})
	assert.Equal(t, true, res["isError"])
	text = res["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "test_failure: 1 task failed")
	assert.Contains(t, text, "remediation: fix the failing cases")
	assert.Contains(t, text, "FAIL: Minimal task")

	res = call(t, s, 4, "tools/call", map[string]any{"name": "robot_create", "arguments": map[string]any{"directory": "demo", "bogus": 1}})
	assert.Equal(t, true, res["isError"])
}

func TestServer_ServeOverPipes(t *testing.T) {
	s, err := New(testRegistry(t), "test", nil)
	require.NoError(t, err)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Serve(ctx, inR, outW) }()

	lines := bufio.NewScanner(outR)
	send := func(id int, method string, params any) map[string]any {
		b, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
		require.NoError(t, err)
		_, err = fmt.Fprintf(inW, "%s\n", b)
		require.NoError(t, err)
		got := make(chan map[string]any, 1)
		go func() {
			var m map[string]any
			if lines.Scan() {
				_ = json.Unmarshal(lines.Bytes(), &m)
			}
			got <- m
		}()
		select {
		case m := <-got:
			return m
		case <-time.After(5 * time.Second):
			t.Fatal("no response from stdio server")
		}
		return nil
	}

	resp := send(1, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
	})
	require.NotNil(t, resp["result"])
	resp = send(2, "tools/list", map[string]any{})
	assert.Len(t, resp["result"].(map[string]any)["tools"], 2)
}

func TestNew_RejectsNameCollisions(t *testing.T) {
	reg := tool.NewRegistry()
	noop := func(ctx context.Context, args map[string]any) (tool.Payload, error) { return tool.Payload{}, nil }
	require.NoError(t, reg.Register(tool.Tool{Definition: tool.Definition{Name: "a.b_c"}, Exec: noop}))
	require.NoError(t, reg.Register(tool.Tool{Definition: tool.Definition{Name: "a_b.c"}, Exec: noop}))
	_, err := New(reg, "test", nil)
	assert.Error(t, err)

	_, err = New(nil, "test", nil)
	assert.Error(t, err)
}
