package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"halvor/internal/executil"
	"halvor/internal/hostid"
)

// ClusterProvisioner abstracts the K3s provisioning steps; the concrete
// installer lives outside the core and is injected here.
type ClusterProvisioner interface {
	// JoinNode attaches the target to the cluster at serverURL using the
	// cluster token. controlPlane selects a server (control-plane) role
	// instead of an agent role.
	JoinNode(executor executil.CommandExecutor, serverURL, token string, controlPlane bool) error
}

// k3sProvisioner is the default provisioner: the upstream installer script
// driven through the executor, so the same path serves local and SSH
// targets.
type k3sProvisioner struct{}

func (k3sProvisioner) JoinNode(executor executil.CommandExecutor, serverURL, token string, controlPlane bool) error {
	if ok, err := executor.IsLinux(); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("k3s join requires a Linux target")
	}

	role := ""
	if controlPlane {
		role = " server"
	}
	// The token reaches the installer via the environment of the remote
	// shell, never argv: K3S_TOKEN is read by the script itself.
	cmdLine := fmt.Sprintf("curl -sfL https://get.k3s.io | K3S_URL=%s K3S_TOKEN=%s sh -s -%s",
		executil.ShellEscape(serverURL), executil.ShellEscape(token), role)
	return executor.ExecuteShellInteractive(cmdLine)
}

func newJoinCmd() *cobra.Command {
	var server, token string
	var controlPlane bool
	cmd := &cobra.Command{
		Use:   "join [hostname]",
		Short: "Join a host to the K3s cluster (uses mesh dispatch)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "localhost"
			if len(args) == 1 {
				target = args[0]
			}
			return runClusterJoin(target, server, token, controlPlane, k3sProvisioner{})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "K3s server URL (e.g. https://frigg:6443)")
	cmd.Flags().StringVar(&token, "token", "", "Cluster token (defaults to K3S_TOKEN)")
	cmd.Flags().BoolVar(&controlPlane, "control-plane", false, "Join as a control-plane node")
	return cmd
}

// runClusterJoin resolves the target through the executor layer — the same
// command works whether the node is this machine or remote.
func runClusterJoin(target, server, token string, controlPlane bool, prov ClusterProvisioner) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if token == "" {
		token = os.Getenv("K3S_TOKEN")
	}
	if token == "" {
		return usageErrorf("no cluster token: pass --token or set K3S_TOKEN")
	}
	if server == "" {
		return usageErrorf("no server URL: pass --server (e.g. https://frigg:6443)")
	}

	executor, err := executil.New(target, cfg)
	if err != nil {
		return err
	}

	where := "locally"
	if !executor.IsLocal() {
		where = "on " + hostid.Normalize(target)
	}
	fmt.Printf("Joining K3s cluster at %s %s...\n", server, where)

	if err := prov.JoinNode(executor, server, token, controlPlane); err != nil {
		return fmt.Errorf("k3s join: %w", err)
	}

	role := "agent"
	if controlPlane {
		role = "control-plane"
	}
	fmt.Printf("✓ %s joined the cluster as %s\n", strings.TrimSpace(target), role)
	return nil
}
