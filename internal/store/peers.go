package store

import (
	"database/sql"
	"fmt"
)

// Peer statuses.
const (
	PeerStatusActive  = "active"
	PeerStatusRemoved = "removed"
)

// Peer is one mesh member as known to this agent. Hostname is stored
// normalized (lowercase short form, trailing dot stripped) and is unique.
type Peer struct {
	ID                int64  `json:"-"`
	Hostname          string `json:"hostname"`
	TailscaleIP       string `json:"tailscale_ip,omitempty"`
	TailscaleHostname string `json:"tailscale_hostname,omitempty"`
	PublicKey         string `json:"public_key"`
	Status            string `json:"status"`
	LastSeenAt        int64  `json:"last_seen_at"`
	JoinedAt          int64  `json:"joined_at"`
}

// PeerKey is the shared secret paired 1:1 with a peer.
type PeerKey struct {
	PeerHostname string
	SharedSecret string // base64 at rest
	Algorithm    string
}

// DefaultKeyAlgorithm labels the intended use of the shared secret.
const DefaultKeyAlgorithm = "aes-256-gcm"

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// upsertPeerSQL keys on hostname: joined_at is preserved on update,
// addressing only moves forward (COALESCE keeps known values), and
// last_seen_at never regresses.
const upsertPeerSQL = `
	INSERT INTO agent_peers (hostname, tailscale_ip, tailscale_hostname, public_key, status, last_seen_at, joined_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(hostname) DO UPDATE SET
		tailscale_ip=COALESCE(excluded.tailscale_ip, agent_peers.tailscale_ip),
		tailscale_hostname=COALESCE(excluded.tailscale_hostname, agent_peers.tailscale_hostname),
		public_key=excluded.public_key,
		status=excluded.status,
		last_seen_at=MAX(COALESCE(agent_peers.last_seen_at, 0), excluded.last_seen_at),
		updated_at=excluded.updated_at`

// fillPeerDefaults applies insertion defaults in place.
func (s *Store) fillPeerDefaults(p *Peer) {
	now := s.unix()
	if p.Status == "" {
		p.Status = PeerStatusActive
	}
	if p.JoinedAt == 0 {
		p.JoinedAt = now
	}
	if p.LastSeenAt == 0 {
		p.LastSeenAt = now
	}
}

// UpsertPeer inserts or updates a peer by hostname.
func (s *Store) UpsertPeer(p Peer) error {
	now := s.unix()
	s.fillPeerDefaults(&p)
	_, err := s.exec(upsertPeerSQL,
		p.Hostname, nullable(p.TailscaleIP), nullable(p.TailscaleHostname), p.PublicKey,
		p.Status, p.LastSeenAt, p.JoinedAt, now, now)
	if err != nil {
		return fmt.Errorf("upsert peer %s: %w", p.Hostname, err)
	}
	return nil
}

// AddPeerWithKey upserts a peer and its shared secret in one transaction.
// On any failure neither row persists.
func (s *Store) AddPeerWithKey(p Peer, sharedSecret string) error {
	now := s.unix()
	s.fillPeerDefaults(&p)
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(upsertPeerSQL,
			p.Hostname, nullable(p.TailscaleIP), nullable(p.TailscaleHostname), p.PublicKey,
			p.Status, p.LastSeenAt, p.JoinedAt, now, now); err != nil {
			return fmt.Errorf("upsert peer %s: %w", p.Hostname, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO peer_keys (peer_hostname, shared_secret, algorithm, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(peer_hostname) DO UPDATE SET
				shared_secret=excluded.shared_secret,
				algorithm=excluded.algorithm,
				updated_at=excluded.updated_at
		`, p.Hostname, sharedSecret, DefaultKeyAlgorithm, now, now); err != nil {
			return fmt.Errorf("upsert peer key %s: %w", p.Hostname, err)
		}
		return nil
	})
}

func scanPeer(row interface{ Scan(...interface{}) error }) (Peer, error) {
	var p Peer
	var tsIP, tsHostname sql.NullString
	var lastSeen sql.NullInt64
	err := row.Scan(&p.ID, &p.Hostname, &tsIP, &tsHostname, &p.PublicKey, &p.Status, &lastSeen, &p.JoinedAt)
	if err != nil {
		return p, err
	}
	p.TailscaleIP = tsIP.String
	p.TailscaleHostname = tsHostname.String
	p.LastSeenAt = lastSeen.Int64
	return p, nil
}

const peerColumns = `id, hostname, tailscale_ip, tailscale_hostname, public_key, status, last_seen_at, joined_at`

// GetPeer returns a peer by hostname.
func (s *Store) GetPeer(hostname string) (Peer, bool, error) {
	row := s.db.QueryRow(`SELECT `+peerColumns+` FROM agent_peers WHERE hostname = ?`, hostname)
	p, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return Peer{}, false, nil
	}
	if err != nil {
		return Peer{}, false, err
	}
	return p, true, nil
}

// GetActivePeers returns every peer with status active.
func (s *Store) GetActivePeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT `+peerColumns+` FROM agent_peers WHERE status = ? ORDER BY hostname`, PeerStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// ActivePeerHostnames returns just the hostnames of active peers.
func (s *Store) ActivePeerHostnames() ([]string, error) {
	peers, err := s.GetActivePeers()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, p.Hostname)
	}
	return names, nil
}

// UpdatePeerLastSeen bumps last_seen_at to now.
func (s *Store) UpdatePeerLastSeen(hostname string) error {
	now := s.unix()
	_, err := s.exec(`UPDATE agent_peers SET last_seen_at = ?, updated_at = ? WHERE hostname = ?`, now, now, hostname)
	return err
}

// UpdatePeerTailscaleInfo records freshly observed Tailscale addressing for a
// peer. Empty fields leave the stored value untouched; last_seen_at is bumped
// either way.
func (s *Store) UpdatePeerTailscaleInfo(hostname, tailscaleIP, tailscaleHostname string) error {
	now := s.unix()
	switch {
	case tailscaleIP != "" && tailscaleHostname != "":
		_, err := s.exec(`UPDATE agent_peers SET tailscale_ip = ?, tailscale_hostname = ?, last_seen_at = ?, updated_at = ? WHERE hostname = ?`,
			tailscaleIP, tailscaleHostname, now, now, hostname)
		return err
	case tailscaleIP != "":
		_, err := s.exec(`UPDATE agent_peers SET tailscale_ip = ?, last_seen_at = ?, updated_at = ? WHERE hostname = ?`,
			tailscaleIP, now, now, hostname)
		return err
	case tailscaleHostname != "":
		_, err := s.exec(`UPDATE agent_peers SET tailscale_hostname = ?, last_seen_at = ?, updated_at = ? WHERE hostname = ?`,
			tailscaleHostname, now, now, hostname)
		return err
	default:
		return s.UpdatePeerLastSeen(hostname)
	}
}

// RemovePeer deletes a peer; the peer_keys row goes with it via CASCADE.
func (s *Store) RemovePeer(hostname string) error {
	_, err := s.exec(`DELETE FROM agent_peers WHERE hostname = ?`, hostname)
	return err
}

// GetPeerSharedSecret returns the stored shared secret for a peer.
func (s *Store) GetPeerSharedSecret(hostname string) (string, bool, error) {
	var secret string
	err := s.db.QueryRow(`SELECT shared_secret FROM peer_keys WHERE peer_hostname = ?`, hostname).Scan(&secret)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return secret, true, nil
}

// PeerKeyCount reports how many peer keys exist. Used by invariant checks.
func (s *Store) PeerKeyCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM peer_keys`).Scan(&n)
	return n, err
}
