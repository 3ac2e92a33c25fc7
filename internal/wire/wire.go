// Package wire implements the agent RPC framing and message envelope.
//
// Every RPC is one request followed by one response on a fresh TCP
// connection. A frame is a 4-byte big-endian length followed by that many
// bytes of UTF-8 JSON. Messages are externally tagged:
//
//	{"type": "JoinRequest", "data": {"join_token": "...", ...}}
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. Larger declared lengths are a framing
// error and terminate the connection.
const MaxFrameSize = 16 << 20

// ProtocolError marks terminal connection failures: bad frame length, invalid
// JSON, unknown tag. Never retried.
type ProtocolError struct {
	Reason  string
	Payload []byte // first bytes of the offending payload, for the log
}

func (e *ProtocolError) Error() string {
	if len(e.Payload) > 0 {
		return fmt.Sprintf("protocol error: %s (payload prefix %q)", e.Reason, e.Payload)
	}
	return "protocol error: " + e.Reason
}

// payloadPrefix keeps the first 64 bytes for diagnostics.
func payloadPrefix(b []byte) []byte {
	if len(b) > 64 {
		b = b[:64]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return &ProtocolError{Reason: "refusing to write zero-length frame"}
	}
	if len(body) > MaxFrameSize {
		return &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", len(body))}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, &ProtocolError{Reason: "zero-length frame"}
	}
	if n > MaxFrameSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("declared frame length %d exceeds limit", n)}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// envelope is the externally tagged encoding shared by requests and
// responses.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ── Requests ────────────────────────────────────────────────────────────────

// Request is implemented by every request variant.
type Request interface{ requestTag() string }

type Ping struct{}

type GetHostInfo struct{}

type ExecuteCommand struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Token   string   `json:"token"`
}

type SyncConfig struct {
	Data []byte `json:"data"`
}

type SyncDatabase struct {
	FromHostname string `json:"from_hostname"`
	LastSync     *int64 `json:"last_sync,omitempty"`
}

type JoinRequest struct {
	JoinToken       string `json:"join_token"`
	JoinerHostname  string `json:"joiner_hostname"`
	JoinerPublicKey string `json:"joiner_public_key"`
}

type ValidateToken struct {
	JoinToken string `json:"join_token"`
}

func (Ping) requestTag() string           { return "Ping" }
func (GetHostInfo) requestTag() string    { return "GetHostInfo" }
func (ExecuteCommand) requestTag() string { return "ExecuteCommand" }
func (SyncConfig) requestTag() string     { return "SyncConfig" }
func (SyncDatabase) requestTag() string   { return "SyncDatabase" }
func (JoinRequest) requestTag() string    { return "JoinRequest" }
func (ValidateToken) requestTag() string  { return "ValidateToken" }

// ── Responses ───────────────────────────────────────────────────────────────

// Response is implemented by every response variant.
type Response interface{ responseTag() string }

type Pong struct{}

type Success struct {
	Output string `json:"output"`
}

type Error struct {
	Message string `json:"message"`
}

// HostInfo is the self-description an agent returns for GetHostInfo.
type HostInfo struct {
	Hostname           string `json:"hostname"`
	LocalIP            string `json:"local_ip,omitempty"`
	TailscaleIP        string `json:"tailscale_ip,omitempty"`
	TailscaleHostname  string `json:"tailscale_hostname,omitempty"`
	DockerVersion      string `json:"docker_version,omitempty"`
	TailscaleInstalled bool   `json:"tailscale_installed"`
	PortainerInstalled bool   `json:"portainer_installed"`
}

type HostInfoResponse struct {
	Info HostInfo `json:"info"`
}

type JoinAccepted struct {
	SharedSecret string   `json:"shared_secret"`
	MeshPeers    []string `json:"mesh_peers"`
}

type TokenValid struct {
	IssuerHostname string `json:"issuer_hostname"`
}

func (Pong) responseTag() string             { return "Pong" }
func (Success) responseTag() string          { return "Success" }
func (Error) responseTag() string            { return "Error" }
func (HostInfoResponse) responseTag() string { return "HostInfo" }
func (JoinAccepted) responseTag() string     { return "JoinAccepted" }
func (TokenValid) responseTag() string       { return "TokenValid" }

// ── Encoding ────────────────────────────────────────────────────────────────

// EncodeRequest serializes a request into its envelope.
func EncodeRequest(req Request) ([]byte, error) {
	return encode(req.requestTag(), req)
}

// EncodeResponse serializes a response into its envelope.
func EncodeResponse(resp Response) ([]byte, error) {
	return encode(resp.responseTag(), resp)
}

func encode(tag string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: tag, Data: data})
}

// DecodeRequest parses an envelope into the matching request variant.
func DecodeRequest(body []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Reason: "invalid request JSON", Payload: payloadPrefix(body)}
	}
	var req Request
	switch env.Type {
	case "Ping":
		req = &Ping{}
	case "GetHostInfo":
		req = &GetHostInfo{}
	case "ExecuteCommand":
		req = &ExecuteCommand{}
	case "SyncConfig":
		req = &SyncConfig{}
	case "SyncDatabase":
		req = &SyncDatabase{}
	case "JoinRequest":
		req = &JoinRequest{}
	case "ValidateToken":
		req = &ValidateToken{}
	default:
		return nil, &ProtocolError{Reason: "unknown request tag " + env.Type, Payload: payloadPrefix(body)}
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, req); err != nil {
			return nil, &ProtocolError{Reason: "invalid request payload", Payload: payloadPrefix(body)}
		}
	}
	return req, nil
}

// DecodeResponse parses an envelope into the matching response variant.
func DecodeResponse(body []byte) (Response, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Reason: "invalid response JSON", Payload: payloadPrefix(body)}
	}
	var resp Response
	switch env.Type {
	case "Pong":
		resp = &Pong{}
	case "Success":
		resp = &Success{}
	case "Error":
		resp = &Error{}
	case "HostInfo":
		resp = &HostInfoResponse{}
	case "JoinAccepted":
		resp = &JoinAccepted{}
	case "TokenValid":
		resp = &TokenValid{}
	default:
		return nil, &ProtocolError{Reason: "unknown response tag " + env.Type, Payload: payloadPrefix(body)}
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, resp); err != nil {
			return nil, &ProtocolError{Reason: "invalid response payload", Payload: payloadPrefix(body)}
		}
	}
	return resp, nil
}

// WriteRequest frames and writes a request.
func WriteRequest(w io.Writer, req Request) error {
	body, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadRequest reads and decodes one request frame.
func ReadRequest(r io.Reader) (Request, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeRequest(body)
}

// WriteResponse frames and writes a response.
func WriteResponse(w io.Writer, resp Response) error {
	body, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadResponse reads and decodes one response frame.
func ReadResponse(r io.Reader) (Response, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(body)
}
