// griddiscoctl is a thin command-line front end over the discovery core,
// superseding helix/helix.go's cluster-admin tree: rather than a live
// ideal-state rebalancer it gives an operator a way to join a lineage, watch
// its topology, and inject custom messages.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	griddisco "github.com/coregrid/griddisco"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var connectString, clusterName, basePath, instanceName, logLevel, metricsAddr string
	var sessionTimeout time.Duration

	root := &cobra.Command{
		Use:   "griddiscoctl",
		Short: "inspect and exercise a griddisco cluster lineage",
	}
	root.PersistentFlags().StringVar(&connectString, "connect", "127.0.0.1:2181", "comma-separated store endpoints")
	root.PersistentFlags().StringVar(&clusterName, "cluster", "", "cluster name (required)")
	root.PersistentFlags().StringVar(&basePath, "base-path", "/griddisco", "store root path")
	root.PersistentFlags().StringVar(&instanceName, "instance", "", "this instance's name (defaults to hostname)")
	root.PersistentFlags().DurationVar(&sessionTimeout, "session-timeout", 15*time.Second, "store session timeout")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on, empty disables")
	root.MarkPersistentFlagRequired("cluster")

	buildConfig := func() *griddisco.Config {
		cfg := griddisco.DefaultConfig()
		cfg.ConnectString = connectString
		cfg.ClusterName = clusterName
		cfg.BasePath = basePath
		cfg.SessionTimeout = sessionTimeout
		cfg.LogLevel = logLevel
		cfg.MetricsAddr = metricsAddr
		if instanceName != "" {
			cfg.InstanceName = instanceName
		} else if host, err := os.Hostname(); err == nil {
			cfg.InstanceName = host
		} else {
			cfg.InstanceName = "griddiscoctl"
		}
		return cfg
	}

	root.AddCommand(joinCmd(buildConfig), topologyCmd(buildConfig), sendCmd(buildConfig), configCmd(buildConfig))
	return root
}

func configCmd(buildConfig func() *griddisco.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration as YAML, without joining",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := buildConfig()
			if err := cfg.Validate(); err != nil {
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}

func topologyListener(verbose bool) griddisco.Listener {
	return func(evtType griddisco.DiscoveryEventType, topVer int64, node *griddisco.ClusterNode, topSnapshot []*griddisco.ClusterNode, _ []griddisco.TopologyHistory, customMsg []byte) {
		switch evtType {
		case griddisco.EventCustomMessage:
			fmt.Printf("[topVer=%d] custom message from %s: %s\n", topVer, nodeLabel(node), customMsg)
		default:
			fmt.Printf("[topVer=%d] %s %s (members=%d)\n", topVer, evtType, nodeLabel(node), len(topSnapshot))
		}
		if verbose {
			for _, n := range topSnapshot {
				fmt.Printf("    - %s (internalId=%d, order=%d)\n", n.NodeID, n.InternalID, n.Order)
			}
		}
	}
}

func nodeLabel(n *griddisco.ClusterNode) string {
	if n == nil {
		return "<unknown>"
	}
	return n.NodeID
}

func joinCmd(buildConfig func() *griddisco.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "join the cluster and stay resident, printing topology events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := buildConfig()
			m, err := griddisco.NewMember(cfg, nil, nil, topologyListener(true))
			if err != nil {
				return err
			}
			defer m.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.SessionTimeout*4)
			defer cancel()
			if err := m.JoinTopology(ctx); err != nil {
				return fmt.Errorf("joining: %w", err)
			}
			fmt.Printf("joined as %s (internalId=%d)\n", m.Self().NodeID, m.Self().InternalID)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
}

func topologyCmd(buildConfig func() *griddisco.Config) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "join briefly and print the current topology snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := buildConfig()
			var snapshot []*griddisco.ClusterNode
			m, err := griddisco.NewMember(cfg, nil, nil, func(_ griddisco.DiscoveryEventType, _ int64, _ *griddisco.ClusterNode, topSnapshot []*griddisco.ClusterNode, _ []griddisco.TopologyHistory, _ []byte) {
				snapshot = topSnapshot
			})
			if err != nil {
				return err
			}
			defer m.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.SessionTimeout*4)
			defer cancel()
			if err := m.JoinTopology(ctx); err != nil {
				return fmt.Errorf("joining: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(snapshot); err != nil {
				return err
			}
			if watch {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				<-sigCh
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "stay resident after printing the initial snapshot")
	return cmd
}

func sendCmd(buildConfig func() *griddisco.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "send [message]",
		Short: "join, publish a custom message to the cluster, and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := buildConfig()
			m, err := griddisco.NewMember(cfg, nil, nil, nil)
			if err != nil {
				return err
			}
			defer m.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.SessionTimeout*4)
			defer cancel()
			if err := m.JoinTopology(ctx); err != nil {
				return fmt.Errorf("joining: %w", err)
			}

			childName, err := m.SendCustomMessage([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(childName)
			return nil
		},
	}
}
