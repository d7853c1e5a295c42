package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"trustgossip/internal/config"
	"trustgossip/internal/daemon"
	"trustgossip/internal/metrics"
	"trustgossip/internal/network"
	"trustgossip/internal/node"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type globalFlags struct {
	home       string
	configPath string
	debug      bool
}

func (g *globalFlags) load() (config.Config, error) {
	if g.home != "" {
		if err := os.Setenv("TGOSSIP_HOME", g.home); err != nil {
			return config.Config{}, err
		}
	}
	path := g.configPath
	if path == "" {
		path = filepath.Join(config.DefaultHome(), config.FileName)
	}
	return config.Load(path)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "trustgossip-node",
		Short:         "Trust-gated gossip node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.debug {
				return os.Setenv("TGOSSIP_DEBUG", "1")
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&g.home, "home", "", "node directory (default ~/.trustgossip)")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default <home>/config.yaml)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(runCmd(g), statusCmd(g), idCmd(g), configCmd(g), caCmd(g))
	return root
}

func runCmd(g *globalFlags) *cobra.Command {
	var (
		listen      string
		peers       []string
		trust       []string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Network.Listen = listen
			}
			cfg.Network.Peers = append(cfg.Network.Peers, peers...)
			cfg.DirectTrust = append(cfg.DirectTrust, trust...)
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			runner, err := daemon.NewRunner(cfg, daemon.Options{})
			if err != nil {
				return fmt.Errorf("load node: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ready := make(chan string, 1)
			go func() {
				if addr, ok := <-ready; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "READY addr=%s id=%s\n", addr, runner.Self.PublicKey())
				}
			}()
			return runner.RunWithContext(ctx, ready)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (host:port)")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "peer address to dial (repeatable)")
	cmd.Flags().StringSliceVar(&trust, "trust", nil, "hex public key to trust directly (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /stats on this address")
	return cmd
}

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last metrics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			snap, err := metrics.ReadSnapshot(filepath.Join(cfg.Home, daemon.SnapshotFile))
			if err != nil {
				return fmt.Errorf("no snapshot (is the node running?): %w", err)
			}
			printStatus(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func printStatus(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintln(w, "Local observation summary (not consensus):")
	fmt.Fprintf(w, "  generated: %s\n", snap.GeneratedAt.Format("2006-01-02 15:04:05Z07:00"))
	fmt.Fprintf(w, "  peers: %d  conns: %d\n", snap.CurrentPeers, snap.CurrentConns)
	fmt.Fprintf(w, "  published: %d  accepted: %d  relayed: %d  send failures: %d\n",
		snap.Gossip.Published, snap.Gossip.Accepted, snap.Gossip.Relayed, snap.Gossip.SendFailures)
	printCounts(w, "accepted", snap.AcceptedByKind)
	printCounts(w, "dropped", snap.DropByReason)
}

func printCounts(w io.Writer, label string, counts map[string]uint64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "  %s:", label)
	for _, k := range keys {
		fmt.Fprintf(w, " %s=%d", k, counts[k])
	}
	fmt.Fprintln(w)
}

func idCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's public keys, creating them if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			self, err := node.LoadOrCreate(cfg.Home)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id: %s\nbox: %s\n", self.PublicKey(), self.BoxPublicKey())
			return nil
		},
	}
}

func configCmd(g *globalFlags) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if write {
				path := g.configPath
				if path == "" {
					path = filepath.Join(cfg.Home, config.FileName)
				}
				if err := cfg.Save(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
				return nil
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "write the effective configuration to the config file")
	return cmd
}

func caCmd(g *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Write the dev TLS certificate as PEM for pinning with network.ca_path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Join(cfg.Home, "devtls_ca.pem")
			}
			if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
				return err
			}
			if err := network.WriteDevCA(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (default <home>/devtls_ca.pem)")
	return cmd
}
