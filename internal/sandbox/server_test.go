package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCmdEndpoint(t *testing.T) {
	h := Routes(newExecutor(t, 0))

	req := httptest.NewRequest(http.MethodPost, "/mcp/sandbox/exec_cmd", strings.NewReader(`{"cmd":"echo","args":["hi"]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "hi\n", res.Stdout)
}

func TestExecCmdEndpointDenied(t *testing.T) {
	h := Routes(newExecutor(t, 0))
	req := httptest.NewRequest(http.MethodPost, "/mcp/sandbox/exec_cmd", strings.NewReader(`{"cmd":"curl","args":["http://x"]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"policy_denied"`)
}

func TestMCPExecTool(t *testing.T) {
	tool := NewExecTool(newExecutor(t, 0))
	assert.Equal(t, "exec_cmd", tool.Definition().Name)

	req := mcp.CallToolRequest{}
	req.Params.Name = "exec_cmd"
	req.Params.Arguments = map[string]any{"cmd": "echo", "args": []any{"from", "mcp"}}
	res, err := tool.Handle(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.IsError)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"stdout":"from mcp\n"`)

	req.Params.Arguments = map[string]any{"cmd": "rm"}
	res, err = tool.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
