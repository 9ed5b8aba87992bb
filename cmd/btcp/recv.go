package main

import (
	"io"
	"os"

	"github.com/irctrakz/btcp/pkg/btcp"
	"github.com/irctrakz/btcp/pkg/logging"
	"github.com/irctrakz/btcp/pkg/lossy"
	"github.com/spf13/cobra"
)

var recvCmd = &cobra.Command{
	Use:   "recv [file]",
	Short: "Accept a connection and receive a file (server role)",
	Long: "Waits for a bTCP handshake on the configured local address and " +
		"writes the received byte stream to the file (or stdout when no file " +
		"is given) until the peer shuts the connection down.",
	Args: cobra.MaximumNArgs(1),
	RunE: runRecv,
}

func init() {
	rootCmd.AddCommand(recvCmd)
}

func runRecv(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	link, err := lossy.NewUDPLink(cfg.Network.LocalAddr, cfg.Network.RemoteAddr, cfg.Transport.TickInterval())
	if err != nil {
		return err
	}
	sock := btcp.NewServerSocket(link, cfg.Transport)
	if err := link.Start(sock); err != nil {
		return err
	}
	defer sock.Close()

	if err := sock.Accept(); err != nil {
		return err
	}

	// An empty result is the termination signal.
	total := 0
	for {
		data, rerr := sock.Recv()
		if rerr != nil {
			return rerr
		}
		if len(data) == 0 {
			break
		}
		if _, werr := out.Write(data); werr != nil {
			return werr
		}
		total += len(data)
	}

	m := sock.Metrics()
	logging.Infof("received %d bytes: segments=%d checksum_drops=%d",
		total, m.SegmentsReceived, m.ChecksumDrops)
	return nil
}
