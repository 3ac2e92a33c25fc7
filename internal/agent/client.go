package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"halvor/internal/wire"
)

// Client is the typed wrapper over the agent RPC. Each call opens one TCP
// connection, writes one request frame, reads one response frame, and
// closes.
type Client struct {
	addr           string
	connectTimeout time.Duration
	requestTimeout time.Duration
}

// NewClient targets host:port.
func NewClient(host string, port int) *Client {
	return NewClientAddr(net.JoinHostPort(host, fmt.Sprintf("%d", port)))
}

// NewClientAddr targets a pre-joined address.
func NewClientAddr(addr string) *Client {
	return &Client{
		addr:           addr,
		connectTimeout: 10 * time.Second,
		requestTimeout: 30 * time.Second,
	}
}

// SetTimeouts overrides the connect and per-request deadlines.
func (c *Client) SetTimeouts(connect, request time.Duration) {
	c.connectTimeout = connect
	c.requestTimeout = request
}

// Addr returns the target address.
func (c *Client) Addr() string { return c.addr }

// roundTrip performs one request/response exchange.
func (c *Client) roundTrip(ctx context.Context, req wire.Request) (wire.Response, error) {
	dialer := net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to agent %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := wire.WriteRequest(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if errResp, ok := resp.(*wire.Error); ok {
		return nil, errors.New(errResp.Message)
	}
	return resp, nil
}

// roundTripRetry retries once on network failure. Only used for idempotent
// reads; mutations go through roundTrip directly.
func (c *Client) roundTripRetry(ctx context.Context, req wire.Request) (wire.Response, error) {
	resp, err := c.roundTrip(ctx, req)
	if err == nil {
		return resp, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return c.roundTrip(ctx, req)
	}
	return nil, err
}

// Ping checks liveness: a Pong within the deadline.
func (c *Client) Ping() error {
	return c.PingCtx(context.Background())
}

// PingCtx is Ping with a caller-supplied context.
func (c *Client) PingCtx(ctx context.Context) error {
	resp, err := c.roundTripRetry(ctx, &wire.Ping{})
	if err != nil {
		return err
	}
	if _, ok := resp.(*wire.Pong); !ok {
		return fmt.Errorf("unexpected response %T to ping", resp)
	}
	return nil
}

// GetHostInfo fetches the remote node's self-description.
func (c *Client) GetHostInfo() (*wire.HostInfo, error) {
	resp, err := c.roundTripRetry(context.Background(), &wire.GetHostInfo{})
	if err != nil {
		return nil, err
	}
	info, ok := resp.(*wire.HostInfoResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to host info request", resp)
	}
	return &info.Info, nil
}

// ExecuteCommand runs a program on the remote agent. Never retried.
func (c *Client) ExecuteCommand(command string, args []string, token string) (string, error) {
	resp, err := c.roundTrip(context.Background(), &wire.ExecuteCommand{Command: command, Args: args, Token: token})
	if err != nil {
		return "", err
	}
	success, ok := resp.(*wire.Success)
	if !ok {
		return "", fmt.Errorf("unexpected response %T to execute request", resp)
	}
	return success.Output, nil
}

// SyncDocument is the parsed result of a SyncDatabase call.
type SyncDocument struct {
	FromHostname  string                     `json:"from_hostname"`
	LocalHostname string                     `json:"local_hostname"`
	Hosts         map[string]json.RawMessage `json:"hosts"`
	Settings      map[string]string          `json:"settings"`
	MeshPeers     []SyncPeer                 `json:"mesh_peers"`
}

// SyncPeer is one peer row as shared over the wire.
type SyncPeer struct {
	Hostname          string `json:"hostname"`
	TailscaleIP       string `json:"tailscale_ip,omitempty"`
	TailscaleHostname string `json:"tailscale_hostname,omitempty"`
	PublicKey         string `json:"public_key"`
	Status            string `json:"status"`
	LastSeenAt        int64  `json:"last_seen_at"`
	JoinedAt          int64  `json:"joined_at"`
}

// SyncDatabase asks the remote node for its membership view.
func (c *Client) SyncDatabase(fromHostname string, lastSync *int64) (*SyncDocument, error) {
	return c.SyncDatabaseCtx(context.Background(), fromHostname, lastSync)
}

// SyncDatabaseCtx is SyncDatabase with a caller-supplied context.
func (c *Client) SyncDatabaseCtx(ctx context.Context, fromHostname string, lastSync *int64) (*SyncDocument, error) {
	resp, err := c.roundTripRetry(ctx, &wire.SyncDatabase{FromHostname: fromHostname, LastSync: lastSync})
	if err != nil {
		return nil, err
	}
	success, ok := resp.(*wire.Success)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to sync request", resp)
	}
	var doc SyncDocument
	if err := json.Unmarshal([]byte(success.Output), &doc); err != nil {
		return nil, fmt.Errorf("parse sync document: %w", err)
	}
	return &doc, nil
}

// JoinRequest asks the remote agent to admit this node. Never retried: a
// replayed join would consume the token twice.
func (c *Client) JoinRequest(joinToken, joinerHostname, joinerPublicKey string) (*wire.JoinAccepted, error) {
	resp, err := c.roundTrip(context.Background(), &wire.JoinRequest{
		JoinToken:       joinToken,
		JoinerHostname:  joinerHostname,
		JoinerPublicKey: joinerPublicKey,
	})
	if err != nil {
		return nil, err
	}
	accepted, ok := resp.(*wire.JoinAccepted)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to join request", resp)
	}
	return accepted, nil
}

// ValidateToken checks a token against the issuer without consuming it.
func (c *Client) ValidateToken(joinToken string) (string, error) {
	resp, err := c.roundTrip(context.Background(), &wire.ValidateToken{JoinToken: joinToken})
	if err != nil {
		return "", err
	}
	valid, ok := resp.(*wire.TokenValid)
	if !ok {
		return "", fmt.Errorf("unexpected response %T to validate request", resp)
	}
	return valid.IssuerHostname, nil
}
