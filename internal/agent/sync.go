package agent

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"halvor/internal/config"
	"halvor/internal/hostid"
	"halvor/internal/mesh"
	"halvor/internal/store"
)

// DefaultSyncInterval is the cadence of the background convergence tick.
const DefaultSyncInterval = 60 * time.Second

// Syncer runs the periodic convergence loop: discover reachable peers, pull
// each one's membership view, merge it last-writer-wins. A node that missed a
// join broadcast picks the change up here.
type Syncer struct {
	store    *store.Store
	cfg      *config.Config
	hostname string
	interval time.Duration
	stopCh   chan struct{}
}

// NewSyncer builds the loop for this node.
func NewSyncer(s *store.Store, cfg *config.Config, hostname string) *Syncer {
	return &Syncer{
		store:    s,
		cfg:      cfg,
		hostname: hostid.Normalize(hostname),
		interval: DefaultSyncInterval,
		stopCh:   make(chan struct{}),
	}
}

// SetInterval overrides the tick cadence.
func (sy *Syncer) SetInterval(d time.Duration) { sy.interval = d }

// Start launches the loop on its own goroutine.
func (sy *Syncer) Start() {
	go func() {
		ticker := time.NewTicker(sy.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sy.SyncOnce(context.Background()); err != nil {
					logrus.WithError(err).Warn("background sync failed")
				}
			case <-sy.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop.
func (sy *Syncer) Stop() { close(sy.stopCh) }

// SyncOnce performs a single convergence pass. Per-peer errors are logged
// and the pass continues; only a store failure aborts.
func (sy *Syncer) SyncOnce(ctx context.Context) error {
	// Refresh tailscale addressing first so we dial current IPs.
	if _, err := mesh.RefreshPeerTailscaleHostnames(sy.store); err != nil {
		logrus.WithError(err).Debug("tailscale refresh failed")
	}

	discovery := NewDiscovery(sy.cfg)
	hosts := discovery.DiscoverAll()

	synced := 0
	for _, h := range hosts {
		if !h.Reachable || h.Hostname == sy.hostname {
			continue
		}
		addr, ok := h.Addr()
		if !ok {
			continue
		}
		client := NewClientAddr(addr)
		doc, err := client.SyncDatabaseCtx(ctx, sy.hostname, nil)
		if err != nil {
			logrus.WithError(err).WithField("peer", h.Hostname).Debug("peer sync failed")
			continue
		}
		if err := MergeSyncDocument(sy.store, sy.hostname, doc); err != nil {
			return err
		}
		synced++
	}
	if synced > 0 {
		logrus.WithField("peers", synced).Debug("sync pass complete")
	}
	return nil
}

// MergeSyncDocument folds a remote membership view into the local store.
// The local node itself is never recorded as its own peer.
func MergeSyncDocument(s *store.Store, localHostname string, doc *SyncDocument) error {
	for _, p := range doc.MeshPeers {
		name := hostid.Normalize(p.Hostname)
		if name == "" || name == localHostname {
			continue
		}
		if p.Status != store.PeerStatusActive {
			continue
		}
		// Last writer wins per hostname, tie-broken by last_seen_at: an
		// incoming row staler than ours does not regress the local view.
		if local, ok, err := s.GetPeer(name); err != nil {
			return err
		} else if ok && local.LastSeenAt > p.LastSeenAt {
			continue
		}
		err := s.UpsertPeer(store.Peer{
			Hostname:          name,
			TailscaleIP:       p.TailscaleIP,
			TailscaleHostname: hostid.StripTrailingDot(p.TailscaleHostname),
			PublicKey:         p.PublicKey,
			Status:            p.Status,
			LastSeenAt:        p.LastSeenAt,
			JoinedAt:          p.JoinedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
