package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"halvor/internal/agent"
	"halvor/internal/config"
	"halvor/internal/executil"
	"halvor/internal/fanout"
	"halvor/internal/hostid"
	"halvor/internal/service"
)

func newUpdateCmd() *cobra.Command {
	var experimental, force bool
	cmd := &cobra.Command{
		Use:   "update [hostname] [app]",
		Short: "Update halvor (or a managed app) on one host or a selected set",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Explicit target: single-host update, no selection prompt.
			if len(args) >= 1 {
				app := ""
				if len(args) == 2 {
					app = args[1]
				}
				return updateOneHost(args[0], app, cfg, experimental, force)
			}

			return updateWithSelection(cfg, experimental, force)
		},
	}
	cmd.Flags().BoolVar(&experimental, "experimental", false, "Track the experimental release channel")
	cmd.Flags().BoolVar(&force, "force", false, "Reinstall even when already current")
	return cmd
}

// updateWithSelection is the canonical fan-out flow: discover, prepend
// localhost, prompt, run each target, summarize, exit 0 if any succeeded.
func updateWithSelection(cfg *config.Config, experimental, force bool) error {
	fmt.Println(banner)
	fmt.Println("Update Halvor")
	fmt.Println(banner)
	fmt.Println()
	fmt.Println("Discovering nodes on the mesh...")

	localHostname, err := hostid.Current()
	if err != nil {
		return err
	}
	local := hostid.Normalize(localHostname)

	hosts := agent.NewDiscovery(cfg).DiscoverAll()

	targets := []fanout.Target{{Hostname: local, Addr: "127.0.0.1", IsLocal: true}}
	for _, h := range hosts {
		if h.Hostname == local || !h.Reachable {
			continue
		}
		addr := h.TailscaleIP
		if addr == "" {
			addr = h.LocalIP
		}
		targets = append(targets, fanout.Target{Hostname: h.Hostname, Addr: addr})
	}

	selected, err := fanout.Prompt(os.Stdout, os.Stdin, targets, "update")
	if err != nil {
		if err == fanout.ErrCancelled {
			fmt.Println("Cancelled.")
			return nil
		}
		return usageErrorf("%v", err)
	}

	fmt.Println()
	fmt.Println(banner)
	fmt.Printf("Updating %d node(s)...\n", len(selected))
	fmt.Println(banner)
	fmt.Println()

	result := fanout.Run(os.Stdout, targets, selected, "Updating", "updated", func(t fanout.Target) error {
		name := t.Hostname
		if t.IsLocal {
			name = "localhost"
		}
		return updateOneHost(name, "", cfg, experimental, force)
	})

	if !result.AnySucceeded() && result.Failed > 0 {
		return fmt.Errorf("all %d targets failed", result.Failed)
	}
	return nil
}

// updateOneHost replaces the halvor binary on one target and bounces the
// agent service so the new binary takes over.
func updateOneHost(hostname, app string, cfg *config.Config, experimental, force bool) error {
	executor, err := executil.New(hostname, cfg)
	if err != nil {
		return err
	}

	if app != "" && app != "halvor" {
		return updateApp(executor, hostname, app)
	}

	installer := binaryInstaller{
		experimental: experimental,
		force:        force,
		development:  cfg.IsDevelopment(),
	}
	if err := installer.install(executor); err != nil {
		return err
	}

	// The supervisor definition may point at the replaced binary; reload
	// and restart so the new build serves the mesh.
	if err := service.Restart(executor, service.Options{Port: config.DefaultAgentPort}); err != nil {
		// A host without the service installed still counts as updated.
		if st, stErr := service.Status(executor); stErr == nil && st != service.StateAbsent {
			return fmt.Errorf("restart agent service: %w", err)
		}
	}
	return nil
}

// binaryInstaller fetches and installs the halvor binary on a target. The
// release download itself is delegated to the install script so one code
// path serves both local and SSH executors.
type binaryInstaller struct {
	experimental bool
	force        bool
	development  bool
}

func (b binaryInstaller) install(executor executil.CommandExecutor) error {
	if b.development {
		// Development mode rebuilds from the working tree instead of
		// fetching a release.
		out, err := executor.ExecuteShell("command -v go >/dev/null && go build -o \"$HOME/.local/bin/halvor\" ./cmd/halvor")
		if err != nil {
			return err
		}
		if !out.Success() {
			return fmt.Errorf("development build failed: %s", out.StderrString())
		}
		return nil
	}

	channel := "stable"
	if b.experimental {
		channel = "experimental"
	}
	script := fmt.Sprintf("curl -fsSL https://halvor.dev/install.sh | sh -s -- --channel %s", channel)
	if b.force {
		script += " --force"
	}
	if err := executor.ExecuteShellInteractive(script); err != nil {
		return fmt.Errorf("install halvor: %w", err)
	}
	return nil
}

// updateApp refreshes a managed app (docker compose pull + up) on the
// target.
func updateApp(executor executil.CommandExecutor, hostname, app string) error {
	composeDir := "/opt/halvor/apps/" + app
	ok, err := executor.IsDirectory(composeDir)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("app %q is not deployed on %s", app, hostname)
	}
	cmdLine := fmt.Sprintf("cd %s && docker compose pull && docker compose up -d",
		executil.ShellEscape(composeDir))
	out, err := executor.ExecuteShell(cmdLine)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("update %s: %s", app, out.StderrString())
	}
	return nil
}
