package agent

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"halvor/internal/config"
	"halvor/internal/mesh"
	"halvor/internal/store"
	"halvor/internal/wire"
)

// testNode is one in-process agent: a store plus a server on a loopback
// port.
type testNode struct {
	hostname string
	store    *store.Store
	server   *Server
}

func startNode(t *testing.T, hostname string) *testNode {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	srv := NewServer(s, &config.Config{Hosts: map[string]config.HostConfig{}}, hostname, 0)
	srv.SetBind("127.0.0.1")
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &testNode{hostname: hostname, store: s, server: srv}
}

func (n *testNode) client() *Client {
	c := NewClientAddr(n.server.Addr())
	c.SetTimeouts(2*time.Second, 5*time.Second)
	return c
}

// issueToken generates a token on the node as `agent token` would.
func issueToken(t *testing.T, n *testNode) string {
	t.Helper()
	encoded, _, err := mesh.GenerateJoinToken(n.store, n.hostname, "127.0.0.1", n.server.Port())
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return encoded
}

func TestPingPong(t *testing.T) {
	node := startNode(t, "frigg")
	if err := node.client().Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestJoin_HappyPath(t *testing.T) {
	issuer := startNode(t, "frigg")
	encoded := issueToken(t, issuer)

	accepted, err := issuer.client().JoinRequest(encoded, "baulder", "pk_baulder")
	if err != nil {
		t.Fatalf("JoinRequest: %v", err)
	}
	if accepted.SharedSecret == "" {
		t.Error("no shared secret returned")
	}
	found := false
	for _, p := range accepted.MeshPeers {
		if p == "baulder" {
			found = true
		}
	}
	if !found {
		t.Errorf("joiner missing from mesh peers: %v", accepted.MeshPeers)
	}

	// Issuer side: peer present, key present, token consumed.
	peers, _ := mesh.GetActivePeers(issuer.store)
	if len(peers) != 1 || peers[0] != "baulder" {
		t.Errorf("issuer peers = %v", peers)
	}
	secret, ok, _ := mesh.GetPeerSharedSecret(issuer.store, "baulder")
	if !ok || secret != accepted.SharedSecret {
		t.Errorf("issuer stored secret = %q ok=%v, want %q", secret, ok, accepted.SharedSecret)
	}
	row, ok, _ := issuer.store.GetJoinToken(encoded)
	if !ok || !row.Used || row.UsedByHostname != "baulder" {
		t.Errorf("token row = %+v ok=%v", row, ok)
	}
}

func TestJoin_ExpiredToken(t *testing.T) {
	issuer := startNode(t, "frigg")

	expired := &mesh.JoinToken{
		TokenID:        "old",
		IssuerHostname: "frigg",
		IssuerIP:       "127.0.0.1",
		IssuerPort:     issuer.server.Port(),
		ExpiresAt:      time.Now().Unix() - 1,
		HandshakeKey:   "k",
	}
	encoded, _ := expired.Encode()
	if err := issuer.store.InsertJoinToken(encoded, "frigg", expired.ExpiresAt); err != nil {
		t.Fatalf("insert token: %v", err)
	}

	_, err := issuer.client().JoinRequest(encoded, "baulder", "pk")
	if err == nil {
		t.Fatal("expired token accepted")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Errorf("error = %v, want mention of expiry", err)
	}

	// No side effects: no peer, token still unconsumed.
	peers, _ := mesh.GetActivePeers(issuer.store)
	if len(peers) != 0 {
		t.Errorf("peers after failed join = %v", peers)
	}
	row, _, _ := issuer.store.GetJoinToken(encoded)
	if row.Used {
		t.Error("expired token marked used")
	}
}

func TestJoin_Replay(t *testing.T) {
	issuer := startNode(t, "frigg")
	encoded := issueToken(t, issuer)

	if _, err := issuer.client().JoinRequest(encoded, "baulder", "pk_b"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	_, err := issuer.client().JoinRequest(encoded, "loki", "pk_l")
	if err == nil {
		t.Fatal("replayed token accepted")
	}
	if !strings.Contains(err.Error(), "Invalid or already used") {
		t.Errorf("error = %v, want invalid-or-used", err)
	}

	peers, _ := mesh.GetActivePeers(issuer.store)
	if len(peers) != 1 || peers[0] != "baulder" {
		t.Errorf("peer set changed by replay: %v", peers)
	}
}

func TestJoin_BroadcastFanOut(t *testing.T) {
	issuer := startNode(t, "frigg")
	peerB := startNode(t, "odin")
	peerC := startNode(t, "loki")

	// Seed the existing mesh on the issuer. Addresses carry an explicit
	// port so the broadcast dials the loopback test listeners.
	for _, n := range []*testNode{peerB, peerC} {
		if err := mesh.AddPeer(issuer.store, n.hostname, n.server.Addr(), "", "pk_"+n.hostname, "secret"); err != nil {
			t.Fatalf("seed peer %s: %v", n.hostname, err)
		}
	}

	encoded := issueToken(t, issuer)
	start := time.Now()
	accepted, err := issuer.client().JoinRequest(encoded, "baulder", "pk_baulder")
	if err != nil {
		t.Fatalf("JoinRequest: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("join took %v", elapsed)
	}
	if len(accepted.MeshPeers) != 3 {
		t.Errorf("mesh peers = %v", accepted.MeshPeers)
	}

	// Convergence: each peer pulls the issuer's view and merges it, as the
	// sync tick does after the broadcast nudge.
	issuerClient := issuer.client()
	for _, n := range []*testNode{peerB, peerC} {
		doc, err := issuerClient.SyncDatabase(n.hostname, nil)
		if err != nil {
			t.Fatalf("sync from issuer: %v", err)
		}
		if err := MergeSyncDocument(n.store, n.hostname, doc); err != nil {
			t.Fatalf("merge on %s: %v", n.hostname, err)
		}
		peers, _ := mesh.GetActivePeers(n.store)
		hasJoiner := false
		for _, p := range peers {
			if p == "baulder" {
				hasJoiner = true
			}
		}
		if !hasJoiner {
			t.Errorf("%s did not converge: peers = %v", n.hostname, peers)
		}
	}
}

func TestJoin_BroadcastSurvivesDeadPeer(t *testing.T) {
	issuer := startNode(t, "frigg")
	issuer.server.broadcastTimeout = 2 * time.Second

	// A peer whose address refuses connections.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()
	if err := mesh.AddPeer(issuer.store, "odin", deadAddr, "", "pk_odin", "secret"); err != nil {
		t.Fatalf("seed dead peer: %v", err)
	}

	encoded := issueToken(t, issuer)
	start := time.Now()
	accepted, err := issuer.client().JoinRequest(encoded, "baulder", "pk")
	if err != nil {
		t.Fatalf("JoinRequest with dead peer: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("join blocked on dead peer for %v", elapsed)
	}
	if accepted.SharedSecret == "" {
		t.Error("join did not complete")
	}
}

func TestSyncDatabase_SharesPeersAndUpdatesLastSeen(t *testing.T) {
	node := startNode(t, "frigg")
	if err := mesh.AddPeer(node.store, "odin", "100.64.0.2", "odin.ts.net", "pk_odin", "s"); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	before, _, _ := node.store.GetPeer("odin")

	time.Sleep(1100 * time.Millisecond) // unix-second resolution
	doc, err := node.client().SyncDatabase("odin", nil)
	if err != nil {
		t.Fatalf("SyncDatabase: %v", err)
	}
	if doc.LocalHostname != "frigg" {
		t.Errorf("local hostname = %q", doc.LocalHostname)
	}
	if len(doc.MeshPeers) != 1 || doc.MeshPeers[0].Hostname != "odin" {
		t.Errorf("mesh peers = %+v", doc.MeshPeers)
	}

	after, _, _ := node.store.GetPeer("odin")
	if after.LastSeenAt <= before.LastSeenAt {
		t.Errorf("last_seen_at not bumped: %d -> %d", before.LastSeenAt, after.LastSeenAt)
	}
}

func TestExecuteCommand_NonEmptyTokenRejected(t *testing.T) {
	node := startNode(t, "frigg")
	_, err := node.client().ExecuteCommand("echo", []string{"hi"}, "some-token")
	if err == nil {
		t.Fatal("non-empty token accepted")
	}
}

func TestExecuteCommand_CapturesOutput(t *testing.T) {
	node := startNode(t, "frigg")
	out, err := node.client().ExecuteCommand("echo", []string{"hello"}, "")
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("output = %q", out)
	}
}

func TestValidateToken_DoesNotConsume(t *testing.T) {
	node := startNode(t, "frigg")
	encoded := issueToken(t, node)

	issuer, err := node.client().ValidateToken(encoded)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if issuer != "frigg" {
		t.Errorf("issuer = %q", issuer)
	}

	// Still consumable afterwards.
	if _, err := node.client().JoinRequest(encoded, "baulder", "pk"); err != nil {
		t.Fatalf("join after validate: %v", err)
	}
}

// Scenario: a frame that declares 4 bytes but carries 2. The server must
// close without replying and keep serving later connections.
func TestBadFrame_ClosedWithoutReply(t *testing.T) {
	node := startNode(t, "frigg")

	conn, err := net.Dial("tcp", node.server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 4)
	conn.Write(hdr[:])
	conn.Write([]byte("{}"))
	// Half-close our write side; the server should drop the connection
	// without writing anything back.
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if n, _ := conn.Read(buf); n != 0 {
		t.Errorf("server replied %d bytes to invalid frame", n)
	}
	conn.Close()

	// Server still alive.
	if err := node.client().Ping(); err != nil {
		t.Fatalf("server dead after bad frame: %v", err)
	}
}

func TestSyncConfig_Acknowledged(t *testing.T) {
	node := startNode(t, "frigg")

	conn, err := net.Dial("tcp", node.server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := wire.WriteRequest(conn, &wire.SyncConfig{Data: []byte("blob")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := resp.(*wire.Success); !ok {
		t.Errorf("response = %T", resp)
	}
}
