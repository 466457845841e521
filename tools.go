package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolNamespaceSeparator joins a server name and a bare tool name into the
// globally unique namespaced form "server.tool".
const ToolNamespaceSeparator = "."

// ToolInfo describes one registered tool: its identity, declared input
// schema, and usage counters.
type ToolInfo struct {
	// Name is the bare tool name as the server advertises it.
	Name string
	// Server is the server providing the tool.
	Server string
	// Description is the server-supplied human-readable description.
	Description string
	// InputSchema is the JSON schema the tool declares for its arguments.
	InputSchema json.RawMessage
	// CallCount is how many times the tool has been executed.
	CallCount uint64
	// LastCalledAt is the time of the most recent execution.
	LastCalledAt time.Time
}

// Namespaced returns the globally unique "server.tool" form.
func (t ToolInfo) Namespaced() string {
	return t.Server + ToolNamespaceSeparator + t.Name
}

// ToolCaller forwards a resolved tool execution to its owning server. The
// registry resolves and validates; the caller does the I/O.
type ToolCaller func(ctx context.Context, server, tool string, args map[string]any) (CallToolResult, error)

// toolEntry pairs a tool's info with its compiled argument schema. The schema
// is compiled once at registration so Execute never pays compilation cost.
type toolEntry struct {
	mu     sync.Mutex
	info   ToolInfo
	schema *jsonschema.Schema
}

// ToolRegistry namespaces every registered tool as "server.tool", tracks
// which servers provide each bare name so collisions surface instead of
// resolving to an arbitrary server, validates call arguments against declared
// schemas, and keeps usage counters.
//
// Reads vastly outnumber writes: lookups take the read lock, while
// (un)registration takes the write lock for the whole per-server batch so a
// concurrent lookup never observes a half-registered server.
//
// Instances should be created using NewToolRegistry.
type ToolRegistry struct {
	logger *slog.Logger
	caller ToolCaller

	mu sync.RWMutex
	// byKey indexes entries by the namespaced "server.tool" key.
	byKey map[string]*toolEntry
	// owners maps each bare name to the set of servers providing it.
	owners map[string]map[string]struct{}
}

// ToolRegistryOption represents the options for the ToolRegistry.
type ToolRegistryOption func(*ToolRegistry)

// NewToolRegistry creates an empty registry. The caller is invoked by Execute
// after resolution and validation; a nil caller makes Execute fail.
func NewToolRegistry(caller ToolCaller, options ...ToolRegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		logger: slog.Default(),
		caller: caller,
		byKey:  make(map[string]*toolEntry),
		owners: make(map[string]map[string]struct{}),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// WithToolRegistryLogger sets the logger used by the registry.
func WithToolRegistryLogger(logger *slog.Logger) ToolRegistryOption {
	return func(r *ToolRegistry) {
		r.logger = logger
	}
}

// RegisterTool stores one tool under its namespaced key, replacing any
// previous registration of the same (server, name) pair.
func (r *ToolRegistry) RegisterTool(server string, tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(server, tool)
}

// RegisterServerTools registers a server's whole tool list as one atomic
// batch: a concurrent lookup sees either none or all of them.
func (r *ToolRegistry) RegisterServerTools(server string, tools []Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tool := range tools {
		if err := r.registerLocked(server, tool); err != nil {
			return err
		}
	}
	return nil
}

func (r *ToolRegistry) registerLocked(server string, tool Tool) error {
	if server == "" || tool.Name == "" {
		return fmt.Errorf("tool registration requires a server and a name")
	}

	entry := &toolEntry{
		info: ToolInfo{
			Name:        tool.Name,
			Server:      server,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		},
	}

	if len(tool.InputSchema) > 0 {
		schema, err := compileToolSchema(tool.InputSchema)
		if err != nil {
			// A schema the compiler rejects is unusable for validation but the
			// tool itself still works; the server validates on its side.
			r.logger.Warn("tool schema does not compile, skipping client-side validation",
				slog.String("server", server),
				slog.String("tool", tool.Name),
				slog.String("err", err.Error()))
		} else {
			entry.schema = schema
		}
	}

	key := server + ToolNamespaceSeparator + tool.Name
	r.byKey[key] = entry

	if r.owners[tool.Name] == nil {
		r.owners[tool.Name] = make(map[string]struct{})
	}
	r.owners[tool.Name][server] = struct{}{}
	return nil
}

// compileToolSchema compiles a declared input schema once, at registration.
func compileToolSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// UnregisterServer removes every tool the server provides and updates the
// bare-name ownership sets, so a name that becomes unique again resolves
// unambiguously.
func (r *ToolRegistry) UnregisterServer(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := server + ToolNamespaceSeparator
	for key, entry := range r.byKey {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		delete(r.byKey, key)

		name := entry.info.Name
		if owners := r.owners[name]; owners != nil {
			delete(owners, server)
			if len(owners) == 0 {
				delete(r.owners, name)
			}
		}
	}
}

// Resolve maps a tool name to its namespaced form. A name already containing
// the namespace separator is used as-is. A bare name resolves when exactly
// one server provides it; zero providers fail with ErrToolNotFound and more
// than one with an AmbiguousToolError, never an arbitrary pick.
func (r *ToolRegistry) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.Contains(name, ToolNamespaceSeparator) {
		if _, ok := r.byKey[name]; !ok {
			return "", fmt.Errorf("tool %q: %w", name, ErrToolNotFound)
		}
		return name, nil
	}

	owners := r.owners[name]
	switch len(owners) {
	case 0:
		return "", fmt.Errorf("tool %q: %w", name, ErrToolNotFound)
	case 1:
		for server := range owners {
			return server + ToolNamespaceSeparator + name, nil
		}
		panic("unreachable")
	default:
		servers := make([]string, 0, len(owners))
		for server := range owners {
			servers = append(servers, server)
		}
		sort.Strings(servers)
		return "", &AmbiguousToolError{Name: name, Servers: servers}
	}
}

// Get returns a snapshot of the tool registered under the namespaced key.
func (r *ToolRegistry) Get(namespaced string) (ToolInfo, error) {
	r.mu.RLock()
	entry, ok := r.byKey[namespaced]
	r.mu.RUnlock()

	if !ok {
		return ToolInfo{}, fmt.Errorf("tool %q: %w", namespaced, ErrToolNotFound)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.info, nil
}

// List returns a snapshot of every registered tool, sorted by namespaced key.
func (r *ToolRegistry) List() []ToolInfo {
	r.mu.RLock()
	entries := make([]*toolEntry, 0, len(r.byKey))
	for _, entry := range r.byKey {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		infos = append(infos, entry.info)
		entry.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Namespaced() < infos[j].Namespaced() })
	return infos
}

// ListByServer returns a snapshot of the tools one server provides, sorted by
// name.
func (r *ToolRegistry) ListByServer(server string) []ToolInfo {
	prefix := server + ToolNamespaceSeparator
	var infos []ToolInfo
	for _, info := range r.List() {
		if strings.HasPrefix(info.Namespaced(), prefix) {
			infos = append(infos, info)
		}
	}
	return infos
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Execute resolves name, validates args against the tool's declared input
// schema, bumps its usage counters, and forwards the call to the registry's
// caller. Validation failures surface as InvalidArgumentsError before any
// network attempt.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	if r.caller == nil {
		return CallToolResult{}, fmt.Errorf("tool registry has no caller")
	}

	namespaced, err := r.Resolve(name)
	if err != nil {
		return CallToolResult{}, err
	}

	r.mu.RLock()
	entry := r.byKey[namespaced]
	r.mu.RUnlock()
	if entry == nil {
		return CallToolResult{}, fmt.Errorf("tool %q: %w", namespaced, ErrToolNotFound)
	}

	if entry.schema != nil {
		// The validator wants plain decoded JSON values, so round-trip the
		// argument map through encoding/json.
		raw, err := json.Marshal(args)
		if err != nil {
			return CallToolResult{}, &InvalidArgumentsError{Tool: namespaced, Err: err}
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return CallToolResult{}, &InvalidArgumentsError{Tool: namespaced, Err: err}
		}
		if err := entry.schema.Validate(doc); err != nil {
			return CallToolResult{}, &InvalidArgumentsError{Tool: namespaced, Err: err}
		}
	}

	entry.mu.Lock()
	entry.info.CallCount++
	entry.info.LastCalledAt = time.Now()
	server, tool := entry.info.Server, entry.info.Name
	entry.mu.Unlock()

	return r.caller(ctx, server, tool, args)
}
