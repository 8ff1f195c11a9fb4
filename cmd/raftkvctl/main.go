// Command raftkvctl is the Admin/Client Proxy binary: a CLI that
// talks to any subset of a running raftkv cluster, follows leader
// redirects, and performs read-index gets.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/divtxt/raftkv/proxy"
	"github.com/divtxt/raftkv/raft"
	"github.com/divtxt/raftkv/statemachine/memkv"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var endpointsFlag string
var timeoutFlag time.Duration

var rootCmd = &cobra.Command{
	Use:   "raftkvctl",
	Short: "Admin/client proxy CLI for a raftkv cluster",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&endpointsFlag, "endpoints", "", "comma-separated node endpoints, e.g. http://127.0.0.1:8101,http://127.0.0.1:8102")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 5*time.Second, "RPC timeout")
	_ = rootCmd.MarkPersistentFlagRequired("endpoints")

	rootCmd.AddCommand(getLeaderCmd, getConfigurationCmd, getCmd, putCmd, addPeerCmd, removePeerCmd)
}

func newProxy() *proxy.Proxy {
	endpoints := strings.Split(endpointsFlag, ",")
	return proxy.New(endpoints, timeoutFlag)
}

var getLeaderCmd = &cobra.Command{
	Use:   "get-leader",
	Short: "Print the cluster's current leader",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newProxy()
		leader, err := p.GetLeader(context.Background())
		if err != nil {
			return err
		}
		fmt.Println(leader)
		return nil
	},
}

var getConfigurationCmd = &cobra.Command{
	Use:   "get-configuration",
	Short: "Print the cluster's committed configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newProxy()
		peers, err := p.GetConfiguration(context.Background())
		if err != nil {
			return err
		}
		for _, peer := range peers {
			fmt.Printf("%s\t%s\n", peer.Id, peer.Endpoint)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Linearizable read via the read-index protocol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newProxy()
		endpoints := strings.Split(endpointsFlag, ",")
		value, err := p.Get(context.Background(), endpoints[0], []byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Write a key through the current leader",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newProxy()
		data := memkv.EncodeCommand(memkv.Command{
			Op:    memkv.OpSet,
			Key:   []byte(args[0]),
			Value: []byte(args[1]),
		})
		index, err := p.Replicate(context.Background(), data)
		if err != nil {
			return err
		}
		fmt.Printf("committed at index %d\n", index)
		return nil
	},
}

var addPeerCmd = &cobra.Command{
	Use:   "add-peer <id> <endpoint>",
	Short: "Add a peer to the cluster (single-server-at-a-time)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newProxy()
		return p.AddPeers(context.Background(), []raft.Peer{{Id: raft.ServerId(args[0]), Endpoint: args[1]}})
	},
}

var removePeerCmd = &cobra.Command{
	Use:   "remove-peer <id>",
	Short: "Remove a peer from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newProxy()
		return p.RemovePeers(context.Background(), []raft.ServerId{raft.ServerId(args[0])})
	},
}
