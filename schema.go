package mcpclient

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol, such as request IDs and progress tokens. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// MessageKind identifies which of the protocol's message shapes a decoded
// envelope represents. Batches are represented as []JSONRPCMessage and have
// no kind of their own.
type MessageKind int

// Message shapes distinguished by Kind.
const (
	// KindInvalid marks an envelope that is none of the three valid shapes.
	KindInvalid MessageKind = iota
	// KindRequest is a call expecting a response: method and id are set.
	KindRequest
	// KindNotification is a call with no id: no response is expected.
	KindNotification
	// KindResponse carries a result or an error correlated to a request id.
	KindResponse
)

// JSONRPCMessage represents a JSON-RPC 2.0 message exchanged with a remote server.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	// Cursor is an optional pagination cursor from a previous prompts/list call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// ListPromptsResult represents a paginated list of prompts.
// NextCursor can be used to retrieve the next page of results.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	// Cursor is a pagination cursor from a previous resources/list call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// ListResourcesResult represents a paginated list of resources.
// NextCursor can be used to retrieve the next page of results.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for retrieving a specific resource.
type ReadResourceParams struct {
	// URI is the unique identifier of the resource to retrieve.
	URI string `json:"uri"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// ReadResourceResult represents the result of a read resource request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// SubscribeResourceParams contains parameters for subscribing to a resource.
type SubscribeResourceParams struct {
	// URI is the unique identifier of the resource to subscribe to.
	// Must match the URI used in resources/read calls.
	URI string `json:"uri"`
}

// UnsubscribeResourceParams contains parameters for unsubscribing from a resource.
type UnsubscribeResourceParams struct {
	// URI is the unique identifier of the resource to unsubscribe from.
	URI string `json:"uri"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from a previous tools/list call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult represents a paginated list of tools.
// NextCursor can be used to retrieve the next page of results.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	// Must satisfy the tool's declared InputSchema.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation.
// IsError indicates whether the operation failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// LogParams represents the parameters of a log message notification.
type LogParams struct {
	// Level indicates the severity level of the message.
	// Must be one of the defined LogLevel constants.
	Level LogLevel `json:"level"`
	// Logger identifies the source/component that generated the message.
	Logger string `json:"logger"`
	// Data contains the message content and any structured metadata.
	Data json.RawMessage `json:"data"`
}

// ServerCapabilities represents the feature set a server advertises during initialization.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// ClientCapabilities represents the feature set the client advertises during initialization.
type ClientCapabilities struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Prompt defines a template for generating prompts with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
// Required indicates whether the argument must be provided when using the prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Role represents the role in a conversation (user or assistant).
type Role string

// Content represents a message content with its type.
type Content struct {
	Type        ContentType  `json:"type"`
	Annotations *Annotations `json:"annotations,omitempty"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// Annotations represents the annotations for a message. The client can use annotations
// to inform how objects are used or displayed.
type Annotations struct {
	// Audience describes who the intended customer of this object or data is.
	Audience []Role `json:"audience,omitempty"`
	// Priority describes how important this data is for operating the server,
	// from 0 (entirely optional) to 1 (effectively required).
	Priority int `json:"priority,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"` // For text resources
	Blob     string `json:"blob,omitempty"` // For binary resources
}

// Resource describes a piece of remote data addressable by URI.
type Resource struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
}

// Tool defines a callable remote operation with its input schema.
// InputSchema is a JSON Schema document describing the expected arguments.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// LogLevel represents the severity level of log messages.
type LogLevel int

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	// ProgressToken uniquely identifies the operation this progress update relates to
	ProgressToken MustString `json:"progressToken"`
	// Progress represents the current progress value
	Progress float64 `json:"progress"`
	// Total represents the expected final value when known.
	// When non-zero, completion percentage can be calculated as (Progress/Total)*100
	Total float64 `json:"total,omitempty"`
}

// ParamsMeta contains optional metadata that can be included with request parameters.
// It is used to enable features like progress tracking for long-running operations.
type ParamsMeta struct {
	// ProgressToken uniquely identifies an operation for progress tracking.
	ProgressToken MustString `json:"progressToken"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

type notificationsResourcesUpdatedParams struct {
	URI string `json:"uri"`
}

// Role represents the role in a conversation (user or assistant).
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType represents the type of content in messages.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

// LogLevel represents the severity level of log messages.
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelNotice
	LogLevelWarning
	LogLevelError
	LogLevelCritical
	LogLevelAlert
	LogLevelEmergency
)

// Standard JSON-RPC 2.0 error codes, plus the bounds of the band reserved
// for application-defined server errors.
const (
	// CodeParseError indicates the payload was not valid JSON.
	CodeParseError = -32700
	// CodeInvalidRequest indicates the payload was valid JSON but not a valid protocol envelope.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound indicates the requested method does not exist on the server.
	CodeMethodNotFound = -32601
	// CodeInvalidParams indicates the method parameters failed validation.
	CodeInvalidParams = -32602
	// CodeInternalError indicates the server failed while handling a valid request.
	CodeInternalError = -32603
	// CodeServerErrorMin and CodeServerErrorMax delimit the application-defined error band.
	CodeServerErrorMin = -32099
	CodeServerErrorMax = -32000
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by identifier.
	MethodPromptsGet = "prompts/get"

	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a specific resource.
	MethodResourcesRead = "resources/read"
	// MethodResourcesSubscribe is the method name for subscribing to resource updates.
	MethodResourcesSubscribe = "resources/subscribe"
	// MethodResourcesUnsubscribe is the method name for unsubscribing from resource updates.
	MethodResourcesUnsubscribe = "resources/unsubscribe"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	protocolVersion = "2024-11-05"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized          = "notifications/initialized"
	methodNotificationsCancelled            = "notifications/cancelled"
	methodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"
	methodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	methodNotificationsProgress             = "notifications/progress"
	methodNotificationsMessage              = "notifications/message"

	userCancelledReason = "User requested cancellation"
)

// IsServerErrorCode reports whether code falls in the application-defined
// server error band.
func IsServerErrorCode(code int) bool {
	return code >= CodeServerErrorMin && code <= CodeServerErrorMax
}

// NewRequest builds a request envelope for the given method. Params may be
// nil for methods without parameters.
func NewRequest(id MustString, method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params == nil {
		return msg, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("marshal params: %w", err)
	}
	msg.Params = raw
	return msg, nil
}

// NewNotification builds a notification envelope: a request with no ID, for
// which no response will arrive.
func NewNotification(method string, params any) (JSONRPCMessage, error) {
	msg, err := NewRequest("", method, params)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	return msg, nil
}

// NewResponse builds a success response envelope correlated to id.
func NewResponse(id MustString, result any) (JSONRPCMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("marshal result: %w", err)
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  raw,
	}, nil
}

// NewErrorResponse builds an error response envelope correlated to id.
func NewErrorResponse(id MustString, code int, message string, data map[string]any) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// DecodeMessage decodes a single envelope. Malformed JSON is reported as a
// *JSONRPCError with CodeParseError; a well-formed object whose jsonrpc field
// is missing or not "2.0" is reported as CodeInvalidRequest. Decoding never
// panics past the caller.
func DecodeMessage(data []byte) (JSONRPCMessage, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JSONRPCMessage{}, &JSONRPCError{
			Code:    CodeParseError,
			Message: "Invalid json",
			Data:    map[string]any{"detail": err.Error()},
		}
	}
	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, &JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: "Invalid protocol version",
			Data:    map[string]any{"version": msg.JSONRPC},
		}
	}
	return msg, nil
}

// DecodeBatch decodes either a batch (JSON array) or a single envelope,
// preserving array order. A single object decodes to a one-element slice.
// Each element is validated as in DecodeMessage.
func DecodeBatch(data []byte) ([]JSONRPCMessage, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, &JSONRPCError{Code: CodeParseError, Message: "Invalid json"}
	}

	if trimmed[0] != '[' {
		msg, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		return []JSONRPCMessage{msg}, nil
	}

	var msgs []JSONRPCMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, &JSONRPCError{
			Code:    CodeParseError,
			Message: "Invalid json",
			Data:    map[string]any{"detail": err.Error()},
		}
	}
	for _, msg := range msgs {
		if msg.JSONRPC != JSONRPCVersion {
			return nil, &JSONRPCError{
				Code:    CodeInvalidRequest,
				Message: "Invalid protocol version",
				Data:    map[string]any{"version": msg.JSONRPC},
			}
		}
	}
	return msgs, nil
}

// EncodeBatch encodes messages as a JSON array envelope. A one-element slice
// still encodes as an array, as batch semantics require.
func EncodeBatch(msgs []JSONRPCMessage) ([]byte, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	return data, nil
}

// CorrelateByID indexes response envelopes by their request ID. Servers may
// return batch responses in any order; callers look up each request's ID in
// the returned map. Notifications (empty ID) are skipped.
func CorrelateByID(msgs []JSONRPCMessage) map[MustString]JSONRPCMessage {
	byID := make(map[MustString]JSONRPCMessage, len(msgs))
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		byID[msg.ID] = msg
	}
	return byID
}

// Kind classifies the envelope into one of the protocol's message shapes.
func (j JSONRPCMessage) Kind() MessageKind {
	switch {
	case j.Method != "" && j.ID != "":
		return KindRequest
	case j.Method != "":
		return KindNotification
	case j.ID != "" && (j.Result != nil || j.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelNotice:
		return "notice"
	case LogLevelWarning:
		return "warning"
	case LogLevelError:
		return "error"
	case LogLevelCritical:
		return "critical"
	case LogLevelAlert:
		return "alert"
	case LogLevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// slogLevel maps a protocol log level onto the nearest slog level for
// forwarding server-emitted log notifications.
func (l LogLevel) slogLevel() int {
	switch l {
	case LogLevelDebug:
		return -4
	case LogLevelInfo, LogLevelNotice:
		return 0
	case LogLevelWarning:
		return 4
	default:
		return 8
	}
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
