package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/transfile/internal/discovery"
	"github.com/rudransh-shrivastava/transfile/internal/node"
	"github.com/spf13/cobra"
)

var (
	addrsIPv4     bool
	addrsExternal bool
)

var addrsCmd = &cobra.Command{
	Use:   "addrs",
	Short: "list the addresses a peer can reach this host on",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := node.New(node.Options{Config: cfg, Logger: log})
		if err != nil {
			return err
		}

		addrs, err := n.FindLocalAddresses(addrsIPv4)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			fmt.Fprintf(cmd.OutOrStdout(), "local     %s\n", a)
		}

		if addrsExternal {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(len(cfg.STUNServers)+1)*discovery.DefaultQueryTimeout)
			defer cancel()
			ip, err := n.FindExternalAddress(ctx)
			if err != nil {
				return fmt.Errorf("external address: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "external  %s\n", ip)
		}
		return nil
	},
}

func init() {
	addrsCmd.Flags().BoolVar(&addrsIPv4, "ipv4", false, "only list IPv4 addresses")
	addrsCmd.Flags().BoolVar(&addrsExternal, "external", false, "also ask the stun servers for the public address")
}
