package mcpclient_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/agentrun/mcpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string"},
		"count": {"type": "integer", "minimum": 1}
	},
	"required": ["message"]
}`

func okCaller(result string) mcpclient.ToolCaller {
	return func(ctx context.Context, server, tool string, args map[string]any) (mcpclient.CallToolResult, error) {
		return mcpclient.CallToolResult{
			Content: []mcpclient.Content{{Type: mcpclient.ContentTypeText, Text: result}},
		}, nil
	}
}

func TestToolRegistryResolveUnique(t *testing.T) {
	r := mcpclient.NewToolRegistry(okCaller("ok"))
	require.NoError(t, r.RegisterTool("alpha", mcpclient.Tool{Name: "echo"}))

	namespaced, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "alpha.echo", namespaced)

	// The namespaced form always resolves as-is.
	namespaced, err = r.Resolve("alpha.echo")
	require.NoError(t, err)
	assert.Equal(t, "alpha.echo", namespaced)

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, mcpclient.ErrToolNotFound)
	_, err = r.Resolve("alpha.missing")
	assert.ErrorIs(t, err, mcpclient.ErrToolNotFound)
}

func TestToolRegistryAmbiguousName(t *testing.T) {
	r := mcpclient.NewToolRegistry(okCaller("ok"))
	require.NoError(t, r.RegisterTool("beta", mcpclient.Tool{Name: "ping"}))
	require.NoError(t, r.RegisterTool("alpha", mcpclient.Tool{Name: "ping"}))

	// A bare name served by two servers is never resolved to an arbitrary
	// pick; the error names both candidates.
	_, err := r.Resolve("ping")
	var ambiguous *mcpclient.AmbiguousToolError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, "ping", ambiguous.Name)
	assert.Equal(t, []string{"alpha", "beta"}, ambiguous.Servers, "candidates are sorted")

	// Qualified forms keep working.
	for _, name := range []string{"alpha.ping", "beta.ping"} {
		namespaced, err := r.Resolve(name)
		require.NoError(t, err)
		assert.Equal(t, name, namespaced)
	}
}

func TestToolRegistryUnregisterRestoresUniqueness(t *testing.T) {
	r := mcpclient.NewToolRegistry(okCaller("ok"))
	require.NoError(t, r.RegisterTool("alpha", mcpclient.Tool{Name: "ping"}))
	require.NoError(t, r.RegisterTool("beta", mcpclient.Tool{Name: "ping"}))

	_, err := r.Resolve("ping")
	require.Error(t, err)

	r.UnregisterServer("beta")

	namespaced, err := r.Resolve("ping")
	require.NoError(t, err)
	assert.Equal(t, "alpha.ping", namespaced)
	assert.Equal(t, 1, r.Count())
	assert.Empty(t, r.ListByServer("beta"))
}

func TestToolRegistryBatchRegistration(t *testing.T) {
	r := mcpclient.NewToolRegistry(okCaller("ok"))
	require.NoError(t, r.RegisterServerTools("alpha", []mcpclient.Tool{
		{Name: "echo", Description: "echoes input"},
		{Name: "add"},
	}))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha.add", infos[0].Namespaced())
	assert.Equal(t, "alpha.echo", infos[1].Namespaced())

	info, err := r.Get("alpha.echo")
	require.NoError(t, err)
	assert.Equal(t, "echoes input", info.Description)
	assert.Zero(t, info.CallCount)

	require.Error(t, r.RegisterTool("", mcpclient.Tool{Name: "x"}))
	require.Error(t, r.RegisterTool("alpha", mcpclient.Tool{}))
}

func TestToolRegistryExecuteValidatesArguments(t *testing.T) {
	var calls atomic.Int64
	caller := func(ctx context.Context, server, tool string, args map[string]any) (mcpclient.CallToolResult, error) {
		calls.Add(1)
		return mcpclient.CallToolResult{}, nil
	}
	r := mcpclient.NewToolRegistry(caller)
	require.NoError(t, r.RegisterTool("alpha", mcpclient.Tool{
		Name:        "echo",
		InputSchema: json.RawMessage(echoSchema),
	}))

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{name: "valid", args: map[string]any{"message": "hi"}},
		{name: "valid with count", args: map[string]any{"message": "hi", "count": 3}},
		{name: "missing required", args: map[string]any{"count": 3}, wantErr: true},
		{name: "wrong type", args: map[string]any{"message": 42}, wantErr: true},
		{name: "below minimum", args: map[string]any{"message": "hi", "count": 0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := calls.Load()
			_, err := r.Execute(context.Background(), "echo", tt.args)
			if tt.wantErr {
				var invalid *mcpclient.InvalidArgumentsError
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, "alpha.echo", invalid.Tool)
				assert.Equal(t, before, calls.Load(), "rejected before any network attempt")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, before+1, calls.Load())
		})
	}
}

func TestToolRegistryExecuteBumpsCounters(t *testing.T) {
	r := mcpclient.NewToolRegistry(okCaller("pong"))
	require.NoError(t, r.RegisterTool("alpha", mcpclient.Tool{Name: "ping"}))

	for i := 0; i < 3; i++ {
		result, err := r.Execute(context.Background(), "ping", nil)
		require.NoError(t, err)
		require.Len(t, result.Content, 1)
		assert.Equal(t, "pong", result.Content[0].Text)
	}

	info, err := r.Get("alpha.ping")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.CallCount)
	assert.False(t, info.LastCalledAt.IsZero())
}

func TestToolRegistryExecuteAmbiguous(t *testing.T) {
	r := mcpclient.NewToolRegistry(okCaller("ok"))
	require.NoError(t, r.RegisterTool("alpha", mcpclient.Tool{Name: "ping"}))
	require.NoError(t, r.RegisterTool("beta", mcpclient.Tool{Name: "ping"}))

	_, err := r.Execute(context.Background(), "ping", nil)
	var ambiguous *mcpclient.AmbiguousToolError
	assert.ErrorAs(t, err, &ambiguous)
}

func TestToolRegistryBrokenSchemaSkipsValidation(t *testing.T) {
	r := mcpclient.NewToolRegistry(okCaller("ok"))
	// A schema the compiler rejects disables client-side validation but the
	// tool still registers and executes.
	require.NoError(t, r.RegisterTool("alpha", mcpclient.Tool{
		Name:        "odd",
		InputSchema: json.RawMessage(`{"type": 12}`),
	}))

	_, err := r.Execute(context.Background(), "odd", map[string]any{"anything": "goes"})
	assert.NoError(t, err)
}

func TestToolRegistryNoCaller(t *testing.T) {
	r := mcpclient.NewToolRegistry(nil)
	require.NoError(t, r.RegisterTool("alpha", mcpclient.Tool{Name: "ping"}))

	_, err := r.Execute(context.Background(), "ping", nil)
	assert.Error(t, err)
}
