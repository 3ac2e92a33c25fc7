package store

import (
	"database/sql"
)

// HostInfoRow caches a host self-description: the local node's own, and
// observations of other hosts picked up during sync.
type HostInfoRow struct {
	Hostname           string
	LocalIP            string
	TailscaleIP        string
	TailscaleHostname  string
	DockerVersion      string
	TailscaleInstalled bool
	PortainerInstalled bool
	ProvisionedAt      int64
}

// UpsertHostInfo records the latest observation for a host.
func (s *Store) UpsertHostInfo(info HostInfoRow) error {
	now := s.unix()
	if info.ProvisionedAt == 0 {
		info.ProvisionedAt = now
	}
	_, err := s.exec(`
		INSERT INTO host_info (hostname, local_ip, tailscale_ip, tailscale_hostname, docker_version,
			tailscale_installed, portainer_installed, provisioned_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			local_ip=excluded.local_ip,
			tailscale_ip=excluded.tailscale_ip,
			tailscale_hostname=excluded.tailscale_hostname,
			docker_version=excluded.docker_version,
			tailscale_installed=excluded.tailscale_installed,
			portainer_installed=excluded.portainer_installed,
			updated_at=excluded.updated_at
	`, info.Hostname, nullable(info.LocalIP), nullable(info.TailscaleIP), nullable(info.TailscaleHostname),
		nullable(info.DockerVersion), boolToInt(info.TailscaleInstalled), boolToInt(info.PortainerInstalled),
		info.ProvisionedAt, now, now)
	return err
}

// GetHostInfo returns the cached observation for a host.
func (s *Store) GetHostInfo(hostname string) (HostInfoRow, bool, error) {
	var row HostInfoRow
	var localIP, tsIP, tsHostname, dockerVersion sql.NullString
	var tsInstalled, portainerInstalled int
	var provisionedAt sql.NullInt64
	err := s.db.QueryRow(`
		SELECT hostname, local_ip, tailscale_ip, tailscale_hostname, docker_version,
			tailscale_installed, portainer_installed, provisioned_at
		FROM host_info WHERE hostname = ?
	`, hostname).Scan(&row.Hostname, &localIP, &tsIP, &tsHostname, &dockerVersion,
		&tsInstalled, &portainerInstalled, &provisionedAt)
	if err == sql.ErrNoRows {
		return HostInfoRow{}, false, nil
	}
	if err != nil {
		return HostInfoRow{}, false, err
	}
	row.LocalIP = localIP.String
	row.TailscaleIP = tsIP.String
	row.TailscaleHostname = tsHostname.String
	row.DockerVersion = dockerVersion.String
	row.TailscaleInstalled = tsInstalled != 0
	row.PortainerInstalled = portainerInstalled != 0
	row.ProvisionedAt = provisionedAt.Int64
	return row, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
