// Package agent contains the per-host daemon: the RPC server, its typed
// client, peer discovery, the periodic sync loop, and the optional web API.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"halvor/internal/audit"
	"halvor/internal/config"
	"halvor/internal/executil"
	"halvor/internal/hostid"
	"halvor/internal/mesh"
	"halvor/internal/store"
	"halvor/internal/tailscale"
	"halvor/internal/wire"
)

// Server is the agent RPC server: one request, one response, per TCP
// connection.
type Server struct {
	store    *store.Store
	cfg      *config.Config
	hostname string
	bind     string
	port     int

	audit  *audit.Logger // optional
	events *EventHub     // optional

	// handlerTimeout bounds one connection end to end; broadcastTimeout
	// bounds the post-join fan-out wall clock.
	handlerTimeout   time.Duration
	broadcastTimeout time.Duration

	listener net.Listener
	mu       sync.Mutex
	wg       sync.WaitGroup
	closed   bool
}

// NewServer builds a server bound to 0.0.0.0:port.
func NewServer(s *store.Store, cfg *config.Config, hostname string, port int) *Server {
	return &Server{
		store:            s,
		cfg:              cfg,
		hostname:         hostid.Normalize(hostname),
		bind:             "0.0.0.0",
		port:             port,
		handlerTimeout:   30 * time.Second,
		broadcastTimeout: 10 * time.Second,
	}
}

// SetAudit attaches the audit trail.
func (s *Server) SetAudit(l *audit.Logger) { s.audit = l }

// SetEvents attaches the live event hub.
func (s *Server) SetEvents(h *EventHub) { s.events = h }

// SetBind overrides the bind address (tests bind loopback).
func (s *Server) SetBind(addr string) { s.bind = addr }

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the actual listen port, valid after Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.port
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Start binds the listener and begins accepting. Returns once the listener
// is live; the accept loop runs on its own goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.bind, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind agent listener on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logrus.WithField("addr", listener.Addr().String()).Info("halvor agent listening")

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithError(err).Warn("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting, lets in-flight handlers finish up to the context
// deadline, and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConnection serves exactly one request. A framing or decode failure
// closes the connection without a reply; handler failures become Error
// responses.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.handlerTimeout))

	req, err := wire.ReadRequest(conn)
	if err != nil {
		var perr *wire.ProtocolError
		if errors.As(err, &perr) {
			logrus.WithField("remote", conn.RemoteAddr().String()).Warnf("dropping connection: %v", perr)
		}
		return
	}

	resp := s.dispatch(req)
	if err := wire.WriteResponse(conn, resp); err != nil {
		logrus.WithError(err).Debug("write response failed")
	}
}

func (s *Server) dispatch(req wire.Request) wire.Response {
	switch r := req.(type) {
	case *wire.Ping:
		return &wire.Pong{}
	case *wire.GetHostInfo:
		return s.handleGetHostInfo()
	case *wire.ExecuteCommand:
		return s.handleExecuteCommand(r)
	case *wire.SyncConfig:
		return s.handleSyncConfig(r)
	case *wire.SyncDatabase:
		return s.handleSyncDatabase(r)
	case *wire.JoinRequest:
		return s.handleJoinRequest(r)
	case *wire.ValidateToken:
		return s.handleValidateToken(r)
	default:
		return &wire.Error{Message: "unhandled request"}
	}
}

func (s *Server) auditEvent(e audit.Event) {
	if s.audit != nil {
		s.audit.Log(e)
	}
}

func (s *Server) publish(eventType string, data interface{}, level string) {
	if s.events != nil {
		s.events.Publish(eventType, data, level)
	}
}

// GatherHostInfo assembles this node's self-description.
func GatherHostInfo() wire.HostInfo {
	info := wire.HostInfo{Hostname: "unknown"}
	if h, err := hostid.Current(); err == nil {
		info.Hostname = h
	}
	if ips := hostid.LocalIPv4s(); len(ips) > 0 {
		info.LocalIP = ips[0]
	}

	local := &executil.Local{}
	info.TailscaleInstalled = tailscale.IsInstalled(local)
	if info.TailscaleInstalled {
		info.TailscaleIP = tailscale.SelfIP()
		info.TailscaleHostname = tailscale.SelfHostname()
	}

	if out, err := executil.RunFast("docker", "version", "--format", "{{.Server.Version}}"); err == nil {
		info.DockerVersion = strings.TrimSpace(string(out))
	}
	if info.DockerVersion != "" {
		if out, err := executil.RunFast("docker", "container", "inspect", "portainer", "--format", "{{.State.Running}}"); err == nil {
			info.PortainerInstalled = strings.TrimSpace(string(out)) == "true"
		}
	}
	return info
}

func (s *Server) handleGetHostInfo() wire.Response {
	info := GatherHostInfo()

	// Cache our own description for later sync answers.
	if err := s.store.UpsertHostInfo(store.HostInfoRow{
		Hostname:           hostid.Normalize(info.Hostname),
		LocalIP:            info.LocalIP,
		TailscaleIP:        info.TailscaleIP,
		TailscaleHostname:  info.TailscaleHostname,
		DockerVersion:      info.DockerVersion,
		TailscaleInstalled: info.TailscaleInstalled,
		PortainerInstalled: info.PortainerInstalled,
	}); err != nil {
		logrus.WithError(err).Warn("cache host info failed")
	}
	return &wire.HostInfoResponse{Info: info}
}

// handleExecuteCommand spawns the requested process and captures its output.
// The wire carries a token field with no verification policy designed yet:
// a non-empty token is rejected rather than silently accepted.
func (s *Server) handleExecuteCommand(r *wire.ExecuteCommand) wire.Response {
	if r.Token != "" {
		s.auditEvent(audit.Event{Level: audit.LevelSecurity, Event: "execute_rejected", Message: "unverifiable execution token"})
		return &wire.Error{Message: "execution tokens are not accepted"}
	}
	if r.Command == "" {
		return &wire.Error{Message: "empty command"}
	}

	cmd := exec.Command(r.Command, r.Args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	s.auditEvent(audit.Event{
		Event:   "execute_command",
		Message: r.Command + " " + strings.Join(r.Args, " "),
		Success: err == nil,
	})

	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return &wire.Error{Message: fmt.Sprintf("Command failed: %s", stderr.String())}
		}
		return &wire.Error{Message: fmt.Sprintf("Failed to execute command: %v", err)}
	}
	return &wire.Success{Output: stdout.String()}
}

func (s *Server) handleSyncConfig(r *wire.SyncConfig) wire.Response {
	s.auditEvent(audit.Event{Event: "sync_config", Message: fmt.Sprintf("%d bytes", len(r.Data)), Success: true})
	return &wire.Success{Output: "Config synced"}
}

// syncDocument is what SyncDatabase returns: this node's view of the
// configured hosts and the full active peer set, so a caller can converge.
type syncDocument struct {
	FromHostname  string                `json:"from_hostname"`
	LocalHostname string                `json:"local_hostname"`
	Hosts         map[string]syncedHost `json:"hosts"`
	Settings      map[string]string     `json:"settings"`
	MeshPeers     []store.Peer          `json:"mesh_peers"`
}

// syncedHost is the shareable subset of a host entry. Sudo credentials never
// leave the node.
type syncedHost struct {
	IP         string `json:"ip,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	BackupPath string `json:"backup_path,omitempty"`
}

func (s *Server) handleSyncDatabase(r *wire.SyncDatabase) wire.Response {
	from := hostid.Normalize(r.FromHostname)
	if from != "" {
		// Any successful inbound interaction refreshes liveness.
		if err := mesh.UpdatePeerLastSeen(s.store, from); err != nil {
			logrus.WithError(err).WithField("peer", from).Debug("last_seen update failed")
		}
	}

	peers, err := s.store.GetActivePeers()
	if err != nil {
		return &wire.Error{Message: fmt.Sprintf("read peers: %v", err)}
	}

	doc := syncDocument{
		FromHostname:  r.FromHostname,
		LocalHostname: s.hostname,
		Hosts:         map[string]syncedHost{},
		Settings:      map[string]string{},
		MeshPeers:     peers,
	}
	if s.cfg != nil {
		for name, hc := range s.cfg.Hosts {
			doc.Hosts[name] = syncedHost{IP: hc.IP, Hostname: hc.Hostname, BackupPath: hc.BackupPath}
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return &wire.Error{Message: fmt.Sprintf("serialize sync data: %v", err)}
	}

	s.auditEvent(audit.Event{Event: "sync_database", Peer: from, Success: true})
	s.publish("sync_database", map[string]string{"from": from}, "info")
	return &wire.Success{Output: string(data)}
}

func (s *Server) handleValidateToken(r *wire.ValidateToken) wire.Response {
	token, err := mesh.ValidateJoinToken(s.store, r.JoinToken)
	if err != nil {
		return &wire.Error{Message: fmt.Sprintf("Invalid token: %v", err)}
	}
	return &wire.TokenValid{IssuerHostname: token.IssuerHostname}
}

// handleJoinRequest is the critical path: validate, mint a secret, insert
// the peer, consume the token, nudge the rest of the mesh, reply.
func (s *Server) handleJoinRequest(r *wire.JoinRequest) wire.Response {
	joiner := hostid.Normalize(r.JoinerHostname)
	log := logrus.WithField("joiner", joiner)
	log.Info("join request received")

	if _, err := mesh.ValidateJoinToken(s.store, r.JoinToken); err != nil {
		log.WithError(err).Warn("join rejected")
		s.auditEvent(audit.Event{Level: audit.LevelSecurity, Event: "join_rejected", Peer: joiner, Message: err.Error()})
		return &wire.Error{Message: fmt.Sprintf("Invalid join token: %v", err)}
	}

	sharedSecret, err := mesh.RandomKey()
	if err != nil {
		return &wire.Error{Message: fmt.Sprintf("generate shared secret: %v", err)}
	}

	if err := mesh.AddPeer(s.store, joiner, "", "", r.JoinerPublicKey, sharedSecret); err != nil {
		log.WithError(err).Error("add peer failed")
		return &wire.Error{Message: fmt.Sprintf("Failed to add peer: %v", err)}
	}

	// The peer exists; a failure to consume the token leaves harmless
	// garbage for cleanup, it never unwinds the join.
	if err := mesh.MarkTokenUsed(s.store, r.JoinToken, joiner); err != nil {
		log.WithError(err).Warn("mark token used failed")
	}

	peers, err := mesh.GetActivePeers(s.store)
	if err != nil {
		peers = nil
	}

	notified := s.broadcastNewPeer(joiner, peers)
	log.WithFields(logrus.Fields{"peers": len(peers), "notified": notified}).Info("join accepted")
	s.auditEvent(audit.Event{Level: audit.LevelSecurity, Event: "join_accepted", Peer: joiner, Success: true})
	s.publish("join_accepted", map[string]interface{}{"peer": joiner, "mesh_size": len(peers)}, "info")

	return &wire.JoinAccepted{SharedSecret: sharedSecret, MeshPeers: peers}
}

// broadcastNewPeer nudges every existing peer (excluding the joiner) to
// re-read membership via SyncDatabase. Best-effort and bounded: unreachable
// peers are logged and skipped, and the whole fan-out never exceeds
// broadcastTimeout — the join response is not held hostage by a laggard.
func (s *Server) broadcastNewPeer(joiner string, peerNames []string) int {
	targets := make([]store.Peer, 0, len(peerNames))
	for _, name := range peerNames {
		if name == joiner {
			continue
		}
		p, ok, err := s.store.GetPeer(name)
		if err != nil || !ok {
			continue
		}
		targets = append(targets, p)
	}
	if len(targets) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.broadcastTimeout)
	defer cancel()

	results := make(chan bool, len(targets))
	for _, p := range targets {
		go func(p store.Peer) {
			addr, ok := s.resolvePeerAddr(p)
			if !ok {
				logrus.WithField("peer", p.Hostname).Warn("broadcast skipped: no address")
				results <- false
				return
			}
			client := NewClientAddr(addr)
			if _, err := client.SyncDatabaseCtx(ctx, s.hostname, nil); err != nil {
				logrus.WithError(err).WithField("peer", p.Hostname).Warn("broadcast failed")
				s.auditEvent(audit.Event{Level: audit.LevelWarning, Event: "broadcast_failed", Peer: p.Hostname, Message: err.Error()})
				s.publish("broadcast_failed", map[string]string{"peer": p.Hostname}, "warning")
				results <- false
				return
			}
			results <- true
		}(p)
	}

	notified := 0
	for range targets {
		select {
		case ok := <-results:
			if ok {
				notified++
			}
		case <-ctx.Done():
			return notified
		}
	}
	return notified
}

// resolvePeerAddr picks the dial address for a peer: its Tailscale IP, then
// the configured IP or hostname. An address already carrying a port is used
// as-is; otherwise the default agent port is appended.
func (s *Server) resolvePeerAddr(p store.Peer) (string, bool) {
	addr := p.TailscaleIP
	if addr == "" && s.cfg != nil {
		if _, hc, ok := s.cfg.FindHost(p.Hostname); ok {
			if hc.IP != "" {
				addr = hc.IP
			} else {
				addr = hc.Hostname
			}
		}
	}
	if addr == "" && p.TailscaleHostname != "" {
		addr = p.TailscaleHostname
	}
	if addr == "" {
		return "", false
	}
	if strings.Contains(addr, ":") {
		return addr, true
	}
	return fmt.Sprintf("%s:%d", addr, config.DefaultAgentPort), true
}
