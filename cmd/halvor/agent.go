package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"halvor/internal/agent"
	"halvor/internal/audit"
	"halvor/internal/config"
	"halvor/internal/executil"
	"halvor/internal/hostid"
	"halvor/internal/mesh"
	"halvor/internal/service"
	"halvor/internal/store"
	"halvor/internal/tailscale"
)

const banner = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the per-host agent daemon and the mesh",
	}
	cmd.AddCommand(
		newAgentStartCmd(),
		newAgentStopCmd(),
		newAgentStatusCmd(),
		newAgentLogsCmd(),
		newAgentTokenCmd(),
		newAgentJoinCmd(),
		newAgentPeersCmd(),
		newAgentDiscoverCmd(),
		newAgentSyncCmd(),
		newAgentServiceCmd(),
	)
	return cmd
}

// openStore opens the node's database at its resolved location.
func openStore() (*store.Store, error) {
	path, err := config.DBPath()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return s, nil
}

func newAgentStartCmd() *cobra.Command {
	var port, webPort int
	var daemon bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the halvor agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentStart(port, webPort, daemon)
		},
	}
	cmd.Flags().IntVar(&port, "port", config.DefaultAgentPort, "Port to listen on")
	cmd.Flags().IntVar(&webPort, "web-port", 0, "Also serve the web API on this port")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Run in the background")
	return cmd
}

func agentRunning(port int) bool {
	client := agent.NewClient("127.0.0.1", port)
	client.SetTimeouts(time.Second, 2*time.Second)
	return client.Ping() == nil
}

func runAgentStart(port, webPort int, daemon bool) error {
	if agentRunning(port) {
		fmt.Println("Agent is already running")
		return nil
	}

	if daemon {
		return spawnAgentDaemon(port, webPort)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	hostname, err := hostid.Current()
	if err != nil {
		return fmt.Errorf("determine hostname: %w", err)
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	auditLog := audit.NewLogger(s, 0, 0)
	auditLog.Start()
	defer auditLog.Stop()

	hub := agent.NewEventHub()
	go hub.Run()
	defer hub.Stop()

	server := agent.NewServer(s, cfg, hostname, port)
	server.SetAudit(auditLog)
	server.SetEvents(hub)
	if err := server.Start(); err != nil {
		return err
	}

	fmt.Println(banner)
	fmt.Printf("Starting halvor agent on port %d...\n", port)
	if webPort > 0 {
		fmt.Printf("Starting halvor web API on port %d...\n", webPort)
	}
	fmt.Println()
	fmt.Println("To run in background: halvor agent start --daemon")
	fmt.Println("To view daemon logs: halvor agent logs -f")
	fmt.Println(banner)

	var web *agent.WebServer
	if webPort > 0 {
		web = agent.NewWebServer(s, cfg, hostid.Normalize(hostname), hub, Version)
		if err := web.Start(webPort); err != nil {
			return err
		}
	}

	syncer := agent.NewSyncer(s, cfg, hostname)
	syncer.Start()
	defer syncer.Stop()

	// Prune stale invitations on startup and daily after that.
	pruneExpired := func() {
		if n, err := mesh.CleanupExpiredTokens(s); err == nil && n > 0 {
			logrus.WithField("tokens", n).Info("pruned expired join tokens")
		}
	}
	pruneExpired()
	pruneTicker := time.NewTicker(24 * time.Hour)
	defer pruneTicker.Stop()
	go func() {
		for range pruneTicker.C {
			pruneExpired()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logrus.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if web != nil {
		web.Shutdown(ctx)
	}
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("agent shutdown incomplete")
	}
	return nil
}

// spawnAgentDaemon re-executes this binary in the background with output
// appended to the agent log, and records the child PID.
func spawnAgentDaemon(port, webPort int) error {
	logFile, err := config.AgentLogFile()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"agent", "start", "--port", strconv.Itoa(port)}
	if webPort > 0 {
		args = append(args, "--web-port", strconv.Itoa(webPort))
	}
	child := exec.Command(exe, args...)
	child.Stdout = out
	child.Stderr = out
	child.Stdin = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn agent daemon: %w", err)
	}

	pidFile, err := config.AgentPIDFile()
	if err != nil {
		return err
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(child.Process.Pid)), 0o600); err != nil {
		return err
	}

	fmt.Printf("Agent started in daemon mode (PID: %d)\n", child.Process.Pid)
	fmt.Printf("Logs: %s\n", logFile)
	fmt.Println("Use 'halvor agent logs' to view logs")
	return nil
}

func newAgentStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the halvor agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidFile, err := config.AgentPIDFile()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(pidFile)
			if err != nil {
				fmt.Println("No agent PID file found; agent may be supervisor-managed.")
				fmt.Println("Try: halvor agent service stop")
				return nil
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				return fmt.Errorf("corrupt PID file %s: %w", pidFile, err)
			}
			proc, err := os.FindProcess(pid)
			if err == nil {
				if err := proc.Signal(syscall.SIGTERM); err == nil {
					fmt.Printf("Sent SIGTERM to agent (PID %d)\n", pid)
				}
			}
			os.Remove(pidFile)
			return nil
		},
	}
}

func newAgentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			hostname, _ := hostid.Current()
			running := agentRunning(config.DefaultAgentPort)

			fmt.Println(banner)
			fmt.Println("Halvor Agent Status")
			fmt.Println(banner)
			fmt.Println()
			fmt.Printf("Hostname: %s\n", hostname)
			if running {
				fmt.Println("Status: Running")
			} else {
				fmt.Println("Status: Stopped")
			}
			fmt.Println()

			if !running {
				return nil
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			hosts := agent.NewDiscovery(cfg).DiscoverAll()
			fmt.Println("Discovered Agents:")
			if len(hosts) == 0 {
				fmt.Println("  (none)")
			}
			for _, h := range hosts {
				addr := h.TailscaleIP
				if addr == "" {
					addr = h.LocalIP
				}
				if addr == "" {
					addr = "unknown"
				}
				fmt.Printf("  %s - %s (reachable: %v)\n", h.Hostname, addr, h.Reachable)
			}
			return nil
		},
	}
}

func newAgentLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View agent logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logFile, err := config.AgentLogFile()
			if err != nil {
				return err
			}
			f, err := os.Open(logFile)
			if err != nil {
				fmt.Printf("No log file found at %s\n", logFile)
				fmt.Println("Agent may not have been started in daemon mode yet.")
				return nil
			}
			defer f.Close()

			if !follow {
				_, err := io.Copy(os.Stdout, f)
				return err
			}

			// tail -f: seek to end, poll for appended lines, reopen on
			// truncation.
			f.Seek(0, io.SeekEnd)
			fmt.Println("Following agent logs (Ctrl+C to stop)...")
			fmt.Println(banner)
			reader := bufio.NewReader(f)
			for {
				line, err := reader.ReadString('\n')
				if len(line) > 0 {
					fmt.Print(line)
				}
				if err == io.EOF {
					time.Sleep(100 * time.Millisecond)
					continue
				}
				if err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output (like tail -f)")
	return cmd
}

func newAgentTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Generate a join token for other agents to join this mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			hostname, err := hostid.Current()
			if err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			ip := tailscale.SelfIP()
			if ip == "" {
				for _, candidate := range hostid.LocalIPv4s() {
					ip = candidate
					break
				}
			}
			if ip == "" {
				ip = "127.0.0.1"
			}

			encoded, _, err := mesh.GenerateJoinToken(s, hostid.Normalize(hostname), ip, config.DefaultAgentPort)
			if err != nil {
				return err
			}

			fmt.Println(banner)
			fmt.Println("Generate Join Token")
			fmt.Println(banner)
			fmt.Println()
			fmt.Printf("Issuer: %s (%s:%d)\n", hostname, ip, config.DefaultAgentPort)
			fmt.Printf("Expires: %d hours\n", int(mesh.TokenExpiry.Hours()))
			fmt.Println()
			fmt.Println("TOKEN (copy this to the joining machine):")
			fmt.Println()
			fmt.Println(encoded)
			fmt.Println()
			fmt.Println("On the joining machine, run:")
			fmt.Printf("  halvor agent join %s\n", encoded)
			return nil
		},
	}
}

func newAgentJoinCmd() *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "join [token]",
		Short: "Join an existing agent mesh",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) > 0 {
				token = args[0]
			}
			return runAgentJoin(token, host)
		},
	}
	cmd.Flags().StringVarP(&host, "host", "H", "", "Manual host:port to connect to (e.g. frigg:13500)")
	return cmd
}

// parseHostPort splits host[:port], defaulting the agent port. Bracketed
// IPv6 and bare IPv6 addresses keep their colons.
func parseHostPort(s string) (string, int) {
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "]"); end > 0 {
			host := s[1:end]
			if len(s) > end+2 && s[end+1] == ':' {
				if p, err := strconv.Atoi(s[end+2:]); err == nil {
					return host, p
				}
			}
			return host, config.DefaultAgentPort
		}
	}
	if strings.Count(s, ":") > 1 {
		return s, config.DefaultAgentPort
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		if p, err := strconv.Atoi(s[i+1:]); err == nil {
			return s[:i], p
		}
		return s[:i], config.DefaultAgentPort
	}
	return s, config.DefaultAgentPort
}

func runAgentJoin(token, host string) error {
	fmt.Println(banner)
	fmt.Println("Join Agent Mesh")
	fmt.Println(banner)
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	if token == "" && host != "" {
		addr, port := parseHostPort(host)
		fmt.Printf("Enter the join token from %s:\n> ", addr)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		token = strings.TrimSpace(line)
		if token == "" {
			return usageErrorf("no token provided; run 'halvor agent token' on the target host")
		}
		return performJoin(addr, port, token)
	}

	if token == "" {
		// Discover and let the operator pick an issuer.
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		localHostname, _ := hostid.Current()
		local := hostid.Normalize(localHostname)

		hosts := agent.NewDiscovery(cfg).DiscoverAll()
		var available []agent.DiscoveredHost
		for _, h := range hosts {
			if h.Reachable && h.Hostname != local {
				available = append(available, h)
			}
		}
		if len(available) == 0 {
			fmt.Println("No other reachable agents found.")
			fmt.Println()
			fmt.Println("Options:")
			fmt.Println("  1. Specify a host manually: halvor agent join --host frigg:13500")
			fmt.Println("  2. Use a token directly: halvor agent join <token>")
			return nil
		}

		fmt.Println("Available agents:")
		for i, h := range available {
			ip := h.TailscaleIP
			if ip == "" {
				ip = h.LocalIP
			}
			fmt.Printf("  [%d] %s - %s\n", i+1, h.Hostname, ip)
		}
		fmt.Printf("\nSelect an agent to join (1-%d), or 'q' to quit:\n> ", len(available))
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		selection := strings.TrimSpace(line)
		if strings.EqualFold(selection, "q") {
			fmt.Println("Cancelled.")
			return nil
		}
		idx, err := strconv.Atoi(selection)
		if err != nil || idx < 1 || idx > len(available) {
			return usageErrorf("invalid selection %q", selection)
		}
		selected := available[idx-1]
		addr, ok := selected.Addr()
		if !ok {
			return fmt.Errorf("no address for %s", selected.Hostname)
		}
		selHost, selPort := parseHostPort(addr)

		fmt.Printf("\nEnter the join token from %s (run 'halvor agent token' on that host):\n> ", selected.Hostname)
		line, err = reader.ReadString('\n')
		if err != nil {
			return err
		}
		token = strings.TrimSpace(line)
		if token == "" {
			return usageErrorf("no token provided")
		}
		return performJoin(selHost, selPort, token)
	}

	// Token given: it carries the issuer's address.
	decoded, err := mesh.DecodeToken(token)
	if err != nil {
		return err
	}
	if decoded.Expired() {
		return fmt.Errorf("join token has expired; request a new token from the issuing agent")
	}
	fmt.Printf("Token issued by: %s (%s:%d)\n\n", decoded.IssuerHostname, decoded.IssuerIP, decoded.IssuerPort)
	return performJoin(decoded.IssuerIP, decoded.IssuerPort, token)
}

// performJoin sends the JoinRequest and records the issuer as a local peer.
func performJoin(host string, port int, token string) error {
	decoded, err := mesh.DecodeToken(token)
	if err != nil {
		return err
	}
	if decoded.Expired() {
		return fmt.Errorf("join token has expired")
	}

	fmt.Printf("Connecting to %s:%d...\n", host, port)

	localHostname, err := hostid.Current()
	if err != nil {
		return err
	}
	publicKey := "pk_" + mesh.NewNodeKeyID()

	client := agent.NewClient(host, port)
	accepted, err := client.JoinRequest(token, hostid.Normalize(localHostname), publicKey)
	if err != nil {
		return fmt.Errorf("join failed: %w", err)
	}

	fmt.Println()
	fmt.Println("Successfully joined the mesh!")
	fmt.Println()
	if len(accepted.MeshPeers) == 0 {
		fmt.Println("Mesh peers: (none yet)")
	} else {
		fmt.Printf("Mesh peers: %s\n", strings.Join(accepted.MeshPeers, ", "))
	}

	// Record the issuer locally with the returned secret. The protocol does
	// not advertise the issuer's public key yet, so none is stored.
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	if err := mesh.AddPeer(s, decoded.IssuerHostname, decoded.IssuerIP, "", "", accepted.SharedSecret); err != nil {
		return fmt.Errorf("record issuer peer: %w", err)
	}

	fmt.Println()
	fmt.Println("You can now sync with this mesh using: halvor agent sync")
	return nil
}

func newAgentPeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List peers in the mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			peers, err := s.GetActivePeers()
			if err != nil {
				return err
			}
			fmt.Println(banner)
			fmt.Println("Mesh Peers")
			fmt.Println(banner)
			fmt.Println()
			if len(peers) == 0 {
				fmt.Println("No peers in mesh.")
				fmt.Println()
				fmt.Println("To add peers:")
				fmt.Println("  1. Generate a token: halvor agent token")
				fmt.Println("  2. On another machine: halvor agent join <token>")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Hostname", "Tailscale IP", "Tailscale Hostname", "Last Seen", "Joined"})
			for _, p := range peers {
				t.AppendRow(table.Row{
					p.Hostname,
					orDash(p.TailscaleIP),
					orDash(p.TailscaleHostname),
					formatUnix(p.LastSeenAt),
					formatUnix(p.JoinedAt),
				})
			}
			t.Render()
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04")
}

func newAgentDiscoverCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover other halvor agents on the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Println(banner)
			fmt.Println("Discovering Halvor Agents")
			fmt.Println(banner)
			fmt.Println()

			hosts := agent.NewDiscovery(cfg).DiscoverAll()
			if len(hosts) == 0 {
				fmt.Println("No agents discovered.")
				fmt.Println()
				fmt.Println("Make sure:")
				fmt.Println("  - Agents are running on other hosts (halvor agent start)")
				fmt.Println("  - Tailscale is configured and devices are connected")
				fmt.Printf("  - Firewall allows connections on port %d\n", config.DefaultAgentPort)
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			header := table.Row{"Hostname", "Tailscale IP", "Local IP", "Reachable"}
			if verbose {
				header = append(header, "Docker", "Tailscale")
			}
			t.AppendHeader(header)
			for _, h := range hosts {
				row := table.Row{h.Hostname, orDash(h.TailscaleIP), orDash(h.LocalIP), h.Reachable}
				if verbose {
					docker, ts := "-", "-"
					if h.Reachable {
						if addr, ok := h.Addr(); ok {
							if info, err := agent.NewClientAddr(addr).GetHostInfo(); err == nil {
								docker = orDash(info.DockerVersion)
								ts = fmt.Sprintf("%v", info.TailscaleInstalled)
							}
						}
					}
					row = append(row, docker, ts)
				}
				t.AppendRow(row)
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")
	return cmd
}

func newAgentSyncCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync configuration with discovered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			hostname, err := hostid.Current()
			if err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			syncer := agent.NewSyncer(s, cfg, hostname)
			if err := syncer.SyncOnce(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("✓ Sync complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Force sync even if already synced recently")
	return cmd
}

func newAgentServiceCmd() *cobra.Command {
	var port, webPort int
	cmd := &cobra.Command{
		Use:   "service <install|start|stop|restart|status> [hostname]",
		Short: "Manage the agent under the host's service supervisor",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "localhost"
			if len(args) > 1 {
				target = args[1]
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			executor, err := executil.New(target, cfg)
			if err != nil {
				return err
			}
			opts := service.Options{Port: port, WebPort: webPort}

			switch args[0] {
			case "install":
				return service.Install(executor, opts)
			case "start":
				return service.Start(executor, opts)
			case "stop":
				return service.Stop(executor)
			case "restart":
				return service.Restart(executor, opts)
			case "status":
				st, err := service.Status(executor)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", target, st)
				return nil
			default:
				return usageErrorf("unknown service action %q", args[0])
			}
		},
	}
	cmd.Flags().IntVar(&port, "port", config.DefaultAgentPort, "Agent port the service runs on")
	cmd.Flags().IntVar(&webPort, "web-port", 0, "Web API port the service runs with")
	return cmd
}
