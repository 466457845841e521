package mcpclient_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/agentrun/mcpclient"
)

// mockServer is an in-process MCP server speaking the real wire format over
// HTTP POST. Tests configure its tools and resources, inject failures, and
// inspect per-method request counts.
type mockServer struct {
	t *testing.T

	mu            sync.Mutex
	name          string
	tools         []mcpclient.Tool
	resources     []mcpclient.Resource
	prompts       []mcpclient.Prompt
	resourceData  map[string]string
	requests      map[string]int
	failToolCalls int
	pageSize      int

	httpServer *httptest.Server
}

func newMockServer(t *testing.T, name string) *mockServer {
	t.Helper()

	s := &mockServer{
		t:            t,
		name:         name,
		resourceData: make(map[string]string),
		requests:     make(map[string]int),
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.httpServer.Close)
	return s
}

func (s *mockServer) url() string { return s.httpServer.URL }

func (s *mockServer) addTool(name, description string, schema string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, mcpclient.Tool{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(schema),
	})
}

func (s *mockServer) addResource(uri, data, mimeType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, mcpclient.Resource{
		URI:      uri,
		Name:     uri,
		MimeType: mimeType,
	})
	s.resourceData[uri] = data
}

func (s *mockServer) setResourceData(uri, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceData[uri] = data
}

// failNextToolCalls makes the next n tools/call requests answer with a
// JSON-RPC internal error.
func (s *mockServer) failNextToolCalls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failToolCalls = n
}

func (s *mockServer) requestCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

func (s *mockServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		// Reachability probes use non-POST methods.
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	msg, err := mcpclient.DecodeMessage(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests[msg.Method]++
	s.mu.Unlock()

	if msg.Kind() == mcpclient.KindNotification {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp, rpcErr := s.dispatch(msg)
	var out mcpclient.JSONRPCMessage
	if rpcErr != nil {
		out = mcpclient.NewErrorResponse(msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	} else {
		out, err = mcpclient.NewResponse(msg.ID, resp)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.t.Logf("mock server failed to encode response: %v", err)
	}
}

func (s *mockServer) dispatch(msg mcpclient.JSONRPCMessage) (any, *mcpclient.JSONRPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools":     map[string]any{"listChanged": true},
				"resources": map[string]any{"subscribe": true},
			},
			"serverInfo": mcpclient.Info{Name: s.name, Version: "1.0.0"},
		}, nil

	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		return s.page(msg.Params, func(lo, hi int) any {
			return mcpclient.ListToolsResult{Tools: s.tools[lo:hi]}
		}, len(s.tools))

	case "tools/call":
		if s.failToolCalls > 0 {
			s.failToolCalls--
			return nil, &mcpclient.JSONRPCError{
				Code:    mcpclient.CodeInternalError,
				Message: "tool execution failed",
			}
		}
		var params mcpclient.CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &mcpclient.JSONRPCError{Code: mcpclient.CodeInvalidParams, Message: "bad params"}
		}
		return mcpclient.CallToolResult{
			Content: []mcpclient.Content{{
				Type: mcpclient.ContentTypeText,
				Text: fmt.Sprintf("%s:%s", s.name, params.Name),
			}},
		}, nil

	case "resources/list":
		return mcpclient.ListResourcesResult{Resources: s.resources}, nil

	case "resources/read":
		var params mcpclient.ReadResourceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &mcpclient.JSONRPCError{Code: mcpclient.CodeInvalidParams, Message: "bad params"}
		}
		data, ok := s.resourceData[params.URI]
		if !ok {
			return nil, &mcpclient.JSONRPCError{
				Code:    mcpclient.CodeInvalidParams,
				Message: "unknown resource",
				Data:    map[string]any{"uri": params.URI},
			}
		}
		return mcpclient.ReadResourceResult{
			Contents: []mcpclient.ResourceContents{{
				URI:      params.URI,
				MimeType: "text/plain",
				Text:     data,
			}},
		}, nil

	case "resources/subscribe":
		return map[string]any{}, nil

	case "prompts/list":
		return mcpclient.ListPromptsResult{Prompts: s.prompts}, nil

	default:
		return nil, &mcpclient.JSONRPCError{
			Code:    mcpclient.CodeMethodNotFound,
			Message: "method not found",
			Data:    map[string]any{"method": msg.Method},
		}
	}
}

// page slices a list result when pageSize is set, threading the protocol's
// opaque cursor as a numeric offset.
func (s *mockServer) page(rawParams json.RawMessage, slice func(lo, hi int) any, total int) (any, *mcpclient.JSONRPCError) {
	if s.pageSize <= 0 {
		return slice(0, total), nil
	}

	var params struct {
		Cursor string `json:"cursor"`
	}
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, &mcpclient.JSONRPCError{Code: mcpclient.CodeInvalidParams, Message: "bad cursor"}
		}
	}
	lo := 0
	if params.Cursor != "" {
		if _, err := fmt.Sscanf(params.Cursor, "%d", &lo); err != nil {
			return nil, &mcpclient.JSONRPCError{Code: mcpclient.CodeInvalidParams, Message: "bad cursor"}
		}
	}
	hi := min(lo+s.pageSize, total)

	result := slice(lo, hi)
	if hi >= total {
		return result, nil
	}
	// Only tools are paginated in tests; re-wrap with the next cursor.
	tools := result.(mcpclient.ListToolsResult)
	tools.NextCursor = fmt.Sprintf("%d", hi)
	return tools, nil
}
