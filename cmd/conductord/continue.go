package main

import (
	"fmt"
	"strings"

	"github.com/eleven-am/conductor"
	"github.com/eleven-am/conductor/internal/adapters/transport"
	"github.com/spf13/cobra"
)

type continueOptions struct {
	target string
	peers  []string
}

// newContinueCmd resumes a waiting workflow on a conductor, the same call a
// peer makes after receiving a ramdisk callback.
func newContinueCmd(root *rootOptions) *cobra.Command {
	opts := &continueOptions{}
	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Resume a node's waiting workflow on a conductor",
	}
	cmd.PersistentFlags().StringVar(&opts.target, "conductor", "", "ID of the conductor that owns the node")
	cmd.PersistentFlags().StringSliceVar(&opts.peers, "peer", nil, "peer address as ID=HOST:PORT, may repeat")
	_ = cmd.MarkPersistentFlagRequired("conductor")

	for _, kind := range []string{"clean", "deploy"} {
		cmd.AddCommand(&cobra.Command{
			Use:   kind + " NODE_UUID",
			Short: "Resume " + kind + "ing of a node",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runContinue(cmd, root, opts, kind, args[0])
			},
		})
	}
	return cmd
}

func runContinue(cmd *cobra.Command, root *rootOptions, opts *continueOptions, kind, nodeUUID string) error {
	config, err := root.loadConfig()
	if err != nil {
		return err
	}
	flagPeers, err := parsePeers(opts.peers)
	if err != nil {
		return err
	}
	peers := append(append([]conductor.PeerConfig{}, config.Transport.Peers...), flagPeers...)

	logger, err := newLogger(config.Log, root.debug, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	client := transport.NewClient(transport.NewRing(peers, logger), config.Transport, logger)
	defer client.Close()

	topic := transport.TopicForConductor(opts.target)
	if kind == "clean" {
		err = client.ContinueNodeClean(cmd.Context(), nodeUUID, topic)
	} else {
		err = client.ContinueNodeDeploy(cmd.Context(), nodeUUID, topic)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s resumed on %s\n", nodeUUID, opts.target)
	return err
}

func parsePeers(values []string) ([]conductor.PeerConfig, error) {
	peers := make([]conductor.PeerConfig, 0, len(values))
	for _, value := range values {
		id, addr, ok := strings.Cut(value, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected ID=HOST:PORT", value)
		}
		peers = append(peers, conductor.PeerConfig{ID: id, Address: addr})
	}
	return peers, nil
}
