package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/agentrun/mcpclient"
)

// demoServer is a tiny in-process MCP server speaking JSON-RPC over HTTP
// POST. It exists so the demo can run two independent servers without any
// external processes.
type demoServer struct {
	name      string
	tools     []mcpclient.Tool
	handlers  map[string]func(args map[string]any) string
	resources map[string]demoResource

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

type demoResource struct {
	meta mcpclient.Resource
	data string
}

func newDemoServer(name string) *demoServer {
	return &demoServer{
		name:      name,
		handlers:  make(map[string]func(args map[string]any) string),
		resources: make(map[string]demoResource),
	}
}

func (s *demoServer) addTool(tool mcpclient.Tool, handler func(args map[string]any) string) {
	s.tools = append(s.tools, tool)
	s.handlers[tool.Name] = handler
}

func (s *demoServer) addResource(meta mcpclient.Resource, data string) {
	s.resources[meta.URI] = demoResource{meta: meta, data: data}
}

// start binds a loopback port and serves until stop is called. It returns
// the endpoint URL clients should connect to.
func (s *demoServer) start() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: http.HandlerFunc(s.handle)}
	go s.server.Serve(listener)
	return "http://" + listener.Addr().String(), nil
}

func (s *demoServer) stop() {
	if s.server != nil {
		s.server.Close()
	}
}

func (s *demoServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
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

	if msg.Kind() == mcpclient.KindNotification {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := s.dispatch(msg)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *demoServer) dispatch(msg mcpclient.JSONRPCMessage) mcpclient.JSONRPCMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Method {
	case "initialize":
		return s.respond(msg, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{"subscribe": true},
			},
			"serverInfo": mcpclient.Info{Name: s.name, Version: "0.1.0"},
		})
	case "ping":
		return s.respond(msg, map[string]any{})
	case mcpclient.MethodToolsList:
		return s.respond(msg, mcpclient.ListToolsResult{Tools: s.tools})
	case mcpclient.MethodToolsCall:
		return s.callTool(msg)
	case mcpclient.MethodResourcesList:
		resources := make([]mcpclient.Resource, 0, len(s.resources))
		for _, res := range s.resources {
			resources = append(resources, res.meta)
		}
		return s.respond(msg, mcpclient.ListResourcesResult{Resources: resources})
	case mcpclient.MethodResourcesRead:
		return s.readResource(msg)
	case mcpclient.MethodResourcesSubscribe:
		return s.respond(msg, map[string]any{})
	case mcpclient.MethodPromptsList:
		return s.respond(msg, mcpclient.ListPromptsResult{})
	default:
		return mcpclient.NewErrorResponse(msg.ID, mcpclient.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", msg.Method), nil)
	}
}

func (s *demoServer) callTool(msg mcpclient.JSONRPCMessage) mcpclient.JSONRPCMessage {
	var params mcpclient.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return mcpclient.NewErrorResponse(msg.ID, mcpclient.CodeInvalidParams, err.Error(), nil)
	}
	handler, ok := s.handlers[params.Name]
	if !ok {
		return mcpclient.NewErrorResponse(msg.ID, mcpclient.CodeMethodNotFound,
			fmt.Sprintf("tool %q not found", params.Name), nil)
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return mcpclient.NewErrorResponse(msg.ID, mcpclient.CodeInvalidParams, err.Error(), nil)
		}
	}

	return s.respond(msg, mcpclient.CallToolResult{
		Content: []mcpclient.Content{{Type: mcpclient.ContentTypeText, Text: handler(args)}},
	})
}

func (s *demoServer) readResource(msg mcpclient.JSONRPCMessage) mcpclient.JSONRPCMessage {
	var params mcpclient.ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return mcpclient.NewErrorResponse(msg.ID, mcpclient.CodeInvalidParams, err.Error(), nil)
	}
	res, ok := s.resources[params.URI]
	if !ok {
		return mcpclient.NewErrorResponse(msg.ID, mcpclient.CodeInvalidParams,
			fmt.Sprintf("resource %q not found", params.URI), nil)
	}
	return s.respond(msg, mcpclient.ReadResourceResult{
		Contents: []mcpclient.ResourceContents{{
			URI:      params.URI,
			MimeType: res.meta.MimeType,
			Text:     res.data,
		}},
	})
}

func (s *demoServer) respond(msg mcpclient.JSONRPCMessage, result any) mcpclient.JSONRPCMessage {
	resp, err := mcpclient.NewResponse(msg.ID, result)
	if err != nil {
		return mcpclient.NewErrorResponse(msg.ID, mcpclient.CodeInternalError, err.Error(), nil)
	}
	return resp
}
