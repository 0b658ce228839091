package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/transfile/internal/node"
	"github.com/rudransh-shrivastava/transfile/internal/session"
	"github.com/spf13/cobra"
)

var sendPort int

var sendCmd = &cobra.Command{
	Use:   "send peer-url file...",
	Short: "offer files to a peer",
	Long: `send connects to the peer at peer-url, which must be running receive
against this host at the same time, and offers every file. It exits once the
peer has received or canceled all of them.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, closeHistory, err := newNode()
		if err != nil {
			return err
		}
		defer closeHistory()

		conn, s, err := n.Connect(ctx, args[0], localPort(sendPort), session.Unresolved, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", node.StatusText(err), err)
		}
		defer conn.Disconnect()
		defer s.Close()
		log.WithField("peer", conn.RemotePeer().String()).Info("connected")

		progress := newTransfers(cmd.ErrOrStderr())
		var offerErrs []error
		for _, path := range args[1:] {
			sender, err := s.OfferFile(path)
			if sender != nil {
				progress.track(sender)
			}
			if err != nil {
				offerErrs = append(offerErrs, fmt.Errorf("offer %s: %w", path, err))
				if sender != nil {
					_ = sender.Cancel()
				}
			}
		}
		if len(s.Operations()) == 0 {
			return errors.Join(offerErrs...)
		}

		if err := progress.wait(ctx, conn, true); err != nil {
			offerErrs = append(offerErrs, err)
		}
		return errors.Join(offerErrs...)
	},
}

// localPort falls back to the configured port when the flag is unset.
func localPort(flag int) int {
	if flag > 0 {
		return flag
	}
	return cfg.LocalPort
}

func init() {
	sendCmd.Flags().IntVarP(&sendPort, "port", "p", 0, "local port to listen on (default from config)")
}

