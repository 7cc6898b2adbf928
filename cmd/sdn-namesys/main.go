// Package main provides the entry point for the namesys daemon and CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/sdn-namesys/internal/api"
	"github.com/spacedatanetwork/sdn-namesys/internal/config"
	"github.com/spacedatanetwork/sdn-namesys/internal/keystore"
	"github.com/spacedatanetwork/sdn-namesys/internal/node"
)

var log = logging.Logger("sdn-namesys")

var rootCmd = &cobra.Command{
	Use:   "sdn-namesys",
	Short: "Space Data Network name system",
	Long: `sdn-namesys publishes and resolves signed name records over GossipSub.
Each identity owns one record topic derived from its peer ID; publishes are
signed and sequenced, resolves verify signatures and return the newest live
value.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the namesys daemon",
	Long:  `Start the name system daemon: the libp2p node plus the HTTP API.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and node identity",
	RunE:  runInit,
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage keystore identities",
}

var keyGenCmd = &cobra.Command{
	Use:   "gen NAME",
	Short: "Generate a new named identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyGen,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keystore identities",
	RunE:  runKeyList,
}

var publishCmd = &cobra.Command{
	Use:   "publish VALUE",
	Short: "Publish a value under an identity",
	Long:  `Publish signs VALUE under a keystore identity and broadcasts the record.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve NAME",
	Short: "Resolve a name to its current value",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

var subsCmd = &cobra.Command{
	Use:   "subs",
	Short: "List active record subscriptions",
	RunE:  runSubs,
}

var (
	configPath   string
	debug        bool
	listenAddr   string
	keyName      string
	lifetime     string
	resolveFirst bool
	timeout      string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	publishCmd.Flags().StringVarP(&keyName, "key", "k", "", "keystore identity to publish under")
	publishCmd.Flags().StringVar(&lifetime, "lifetime", "", "record validity window, e.g. 48h")
	publishCmd.Flags().BoolVar(&resolveFirst, "resolve-first", false, "recover the latest sequence from the network before publishing")

	resolveCmd.Flags().StringVarP(&timeout, "timeout", "t", "", "resolution wait bound, e.g. 30s")

	keyCmd.AddCommand(keyGenCmd)
	keyCmd.AddCommand(keyListCmd)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(subsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if listenAddr != "" {
		cfg.Network.Listen = []string{listenAddr}
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	log.Info("Starting namesys daemon...")
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	log.Infof("Peer ID: %s", n.PeerID())
	for _, addr := range n.ListenAddrs() {
		log.Infof("Listening on: %s", addr)
	}

	server := api.NewServer(cfg, n)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP API: %w", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")

	if err := server.Stop(ctx); err != nil {
		log.Warnf("HTTP API shutdown error: %v", err)
	}

	return n.Stop()
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	keys, err := keystore.Open(cfg.Keystore.Dir, cfg.Passphrase())
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}
	ident, err := keys.Ensure(keystore.DefaultKeyName)
	if err != nil {
		return fmt.Errorf("failed to create node identity: %w", err)
	}

	log.Infof("Initialized configuration at %s", path)
	log.Infof("Node identity: %s", ident.PeerID)
	return nil
}

func runKeyGen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	keys, err := keystore.Open(cfg.Keystore.Dir, cfg.Passphrase())
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}

	ident, err := keys.Generate(args[0])
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	fmt.Printf("%s\t%s\n", ident.Name, ident.PeerID)
	return nil
}

func runKeyList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	keys, err := keystore.Open(cfg.Keystore.Dir, cfg.Passphrase())
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}

	for _, ident := range keys.Identities() {
		fmt.Printf("%s\t%s\n", ident.Name, ident.PeerID)
	}
	return nil
}
