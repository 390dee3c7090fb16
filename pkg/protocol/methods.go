package protocol

import "encoding/json"

// MethodConnect is the handshake method; it must be the first request on a connection.
const MethodConnect = "connect"

// MethodChatSend forwards a user message (with page context) to the server.
const MethodChatSend = "chat.send"

// Method is a server-initiated method the bridge knows how to serve.
type Method string

// Server → client methods.
const (
	MethodExecAction Method = "browser.exec_action"
	MethodGetTabs    Method = "browser.get_tabs"
	MethodScreenshot Method = "browser.screenshot"
	MethodNavigate   Method = "browser.navigate"
)

// ServerMethods lists every Method. Dispatch tables are checked against it.
var ServerMethods = []Method{
	MethodExecAction,
	MethodGetTabs,
	MethodScreenshot,
	MethodNavigate,
}

// Event names pushed from server to client.
const (
	EventChat      = "chat"
	EventExecution = "execution"
	EventShutdown  = "shutdown"
)

// ClientRole is the role this client announces in the handshake.
const ClientRole = "browser"

// ConnectParams is the payload of the connect request.
type ConnectParams struct {
	Token           string     `json:"token"`
	Client          ClientInfo `json:"client"`
	Role            string     `json:"role"`
	ProtocolVersion int        `json:"protocol_version"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	InstanceID string `json:"instance_id,omitempty"`
}

// ConnectResult is the server's reply to a successful connect.
type ConnectResult struct {
	SessionID       string   `json:"session_id"`
	Scopes          []string `json:"scopes,omitempty"`
	ProtocolVersion int      `json:"protocol_version,omitempty"`
}

// ChatSendParams is the payload of chat.send.
type ChatSendParams struct {
	Text      string          `json:"text"`
	SessionID string          `json:"session_id,omitempty"`
	Context   json.RawMessage `json:"page_context,omitempty"`
}
