// Package mesh implements membership: join tokens, the peer registry, and
// peer shared secrets. Pure functions against the store; the network side
// lives in internal/agent.
package mesh

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"halvor/internal/hostid"
	"halvor/internal/store"
	"halvor/internal/tailscale"
)

// TokenExpiry is the issuance window for a join token.
const TokenExpiry = 24 * time.Hour

// The exact message texts are part of the operator-facing contract: the agent
// server passes them to the joining node inside its Error response.
var (
	// ErrTokenExpired: the token's expires_at has passed.
	ErrTokenExpired = errors.New("Join token has expired")
	// ErrTokenInvalid: the token is unknown to this store or already
	// consumed. Deliberately indistinguishable.
	ErrTokenInvalid = errors.New("Invalid or already used join token")
)

// JoinToken is the structured form of an invitation; the encoded form is
// base64-std of this document's JSON.
type JoinToken struct {
	TokenID        string `json:"token_id"`
	IssuerHostname string `json:"issuer_hostname"`
	IssuerIP       string `json:"issuer_ip"`
	IssuerPort     int    `json:"issuer_port"`
	ExpiresAt      int64  `json:"expires_at"`
	HandshakeKey   string `json:"handshake_key"` // base64 of 32 random bytes
}

// Encode serializes the token to its transportable base64 form.
func (t *JoinToken) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeToken parses an encoded token without consulting the store.
func DecodeToken(encoded string) (*JoinToken, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode join token: %w", err)
	}
	var t JoinToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("invalid join token format: %w", err)
	}
	return &t, nil
}

// Expired reports whether the token's window has closed.
func (t *JoinToken) Expired() bool {
	return time.Now().Unix() > t.ExpiresAt
}

// NewNodeKeyID mints the identifier a joining node advertises as its public
// key handle until the protocol carries real key material.
func NewNodeKeyID() string {
	return uuid.NewString()
}

// RandomKey returns 32 random bytes base64-encoded; used for handshake keys
// and peer shared secrets.
func RandomKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// GenerateJoinToken issues a fresh single-use token and persists it with
// used=0. Returns both the encoded string and the structured token.
func GenerateJoinToken(s *store.Store, issuerHostname, issuerIP string, issuerPort int) (string, *JoinToken, error) {
	handshakeKey, err := RandomKey()
	if err != nil {
		return "", nil, err
	}
	token := &JoinToken{
		TokenID:        uuid.NewString(),
		IssuerHostname: issuerHostname,
		IssuerIP:       issuerIP,
		IssuerPort:     issuerPort,
		ExpiresAt:      time.Now().Add(TokenExpiry).Unix(),
		HandshakeKey:   handshakeKey,
	}
	encoded, err := token.Encode()
	if err != nil {
		return "", nil, err
	}
	if err := s.InsertJoinToken(encoded, issuerHostname, token.ExpiresAt); err != nil {
		return "", nil, err
	}
	return encoded, token, nil
}

// ValidateJoinToken checks an encoded token against the store without
// consuming it. Expiry and invalid-or-used are distinct failures, never
// both.
func ValidateJoinToken(s *store.Store, encoded string) (*JoinToken, error) {
	token, err := DecodeToken(encoded)
	if err != nil {
		return nil, err
	}
	if token.Expired() {
		return nil, ErrTokenExpired
	}
	row, ok, err := s.GetJoinToken(encoded)
	if err != nil {
		return nil, err
	}
	if !ok || row.Used {
		return nil, ErrTokenInvalid
	}
	return token, nil
}

// MarkTokenUsed consumes a token after a successful join. Only call once the
// peer insertion has committed.
func MarkTokenUsed(s *store.Store, encoded, joinedHostname string) error {
	return s.MarkTokenUsed(encoded, joinedHostname)
}

// AddPeer upserts a peer and its shared secret atomically. The hostname is
// normalized before storage.
func AddPeer(s *store.Store, hostname, tailscaleIP, tailscaleHostname, publicKey, sharedSecret string) error {
	return s.AddPeerWithKey(store.Peer{
		Hostname:          hostid.Normalize(hostname),
		TailscaleIP:       tailscaleIP,
		TailscaleHostname: hostid.StripTrailingDot(tailscaleHostname),
		PublicKey:         publicKey,
		Status:            store.PeerStatusActive,
	}, sharedSecret)
}

// GetActivePeers returns the hostnames of every active peer.
func GetActivePeers(s *store.Store) ([]string, error) {
	return s.ActivePeerHostnames()
}

// GetPeerSharedSecret returns the stored secret for a peer.
func GetPeerSharedSecret(s *store.Store, hostname string) (string, bool, error) {
	return s.GetPeerSharedSecret(hostid.Normalize(hostname))
}

// UpdatePeerLastSeen bumps a peer's liveness timestamp.
func UpdatePeerLastSeen(s *store.Store, hostname string) error {
	return s.UpdatePeerLastSeen(hostid.Normalize(hostname))
}

// UpdatePeerTailscaleInfo records observed Tailscale addressing.
func UpdatePeerTailscaleInfo(s *store.Store, hostname, tailscaleIP, tailscaleHostname string) error {
	return s.UpdatePeerTailscaleInfo(hostid.Normalize(hostname), tailscaleIP, hostid.StripTrailingDot(tailscaleHostname))
}

// RemovePeer deletes a peer and (via cascade) its key.
func RemovePeer(s *store.Store, hostname string) error {
	return s.RemovePeer(hostid.Normalize(hostname))
}

// RefreshPeerTailscaleHostnames matches every active peer against the live
// Tailscale device list by normalized short name and updates addressing for
// the ones found. Returns the number updated. A host without Tailscale
// updates nothing and reports no error.
func RefreshPeerTailscaleHostnames(s *store.Store) (int, error) {
	peers, err := s.GetActivePeers()
	if err != nil {
		return 0, err
	}
	devices, ok := tailscale.Devices()
	if !ok {
		return 0, nil
	}

	byShortName := map[string]tailscale.Device{}
	for _, d := range devices {
		byShortName[hostid.Normalize(d.Name)] = d
	}

	updated := 0
	for _, p := range peers {
		d, found := byShortName[hostid.Normalize(p.Hostname)]
		if !found {
			continue
		}
		if err := s.UpdatePeerTailscaleInfo(p.Hostname, d.IP, d.Name); err != nil {
			continue
		}
		updated++
	}
	return updated, nil
}

// CleanupExpiredTokens prunes tokens past their expiry.
func CleanupExpiredTokens(s *store.Store) (int64, error) {
	return s.DeleteExpiredTokens()
}
