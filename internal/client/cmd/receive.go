package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/transfile/internal/node"
	"github.com/rudransh-shrivastava/transfile/internal/operation"
	"github.com/rudransh-shrivastava/transfile/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	receivePort      int
	receiveDir       string
	receiveOverwrite bool
)

var receiveCmd = &cobra.Command{
	Use:   "receive peer-url",
	Short: "accept files from a peer",
	Long: `receive connects to the peer at peer-url and downloads every file it
offers into the download directory. It exits when the peer disconnects.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, closeHistory, err := newNode()
		if err != nil {
			return err
		}
		defer closeHistory()

		dir := cfg.DownloadDir
		if receiveDir != "" {
			dir = receiveDir
		}
		resolver := session.DirResolver{Dir: dir, Overwrite: receiveOverwrite}

		progress := newTransfers(cmd.ErrOrStderr())
		accept := &session.Funcs{OnAdded: func(_ *session.Session, c operation.Controller) {
			op := c.Operation()
			if op.Path() == "" {
				log.WithField("name", op.Name()).Warn("rejecting offer without a usable destination")
				_ = c.Cancel()
				return
			}
			progress.track(c)
			if err := c.Start(); err != nil {
				log.WithField("error", err).Warnf("could not start %s", op.Name())
			}
		}}

		conn, s, err := n.Connect(ctx, args[0], localPort(receivePort), resolver, func(s *session.Session) {
			s.AddListener(accept)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", node.StatusText(err), err)
		}
		defer conn.Disconnect()
		defer s.Close()
		log.WithFields(logrus.Fields{"peer": conn.RemotePeer().String(), "dir": dir}).Info("connected, waiting for offers")

		return progress.wait(ctx, conn, false)
	},
}

func init() {
	receiveCmd.Flags().IntVarP(&receivePort, "port", "p", 0, "local port to listen on (default from config)")
	receiveCmd.Flags().StringVarP(&receiveDir, "dir", "d", "", "download directory (default from config)")
	receiveCmd.Flags().BoolVar(&receiveOverwrite, "overwrite", false, "replace existing files instead of numbering new ones")
}
