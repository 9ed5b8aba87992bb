package main

import (
	"io"
	"os"
	"time"

	"github.com/irctrakz/btcp/pkg/btcp"
	"github.com/irctrakz/btcp/pkg/logging"
	"github.com/irctrakz/btcp/pkg/lossy"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send [file]",
	Short: "Connect to the peer and send a file (client role)",
	Long: "Establishes a bTCP connection to the configured remote address and " +
		"streams the file (or stdin when no file is given) through it, then " +
		"shuts the connection down cleanly.",
	Args: cobra.MaximumNArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	link, err := lossy.NewUDPLink(cfg.Network.LocalAddr, cfg.Network.RemoteAddr, cfg.Transport.TickInterval())
	if err != nil {
		return err
	}
	sock := btcp.NewClientSocket(link, cfg.Transport)
	if err := link.Start(sock); err != nil {
		return err
	}
	defer sock.Close()

	if err := sock.Connect(); err != nil {
		return err
	}

	// Send never blocks: a full buffer accepts fewer bytes than offered
	// and the remainder is retried after a short pause.
	total := 0
	buf := make([]byte, 64*1024)
	for {
		n, rerr := in.Read(buf)
		chunk := buf[:n]
		for len(chunk) > 0 {
			accepted, serr := sock.Send(chunk)
			if serr != nil {
				return serr
			}
			total += accepted
			chunk = chunk[accepted:]
			if len(chunk) > 0 {
				time.Sleep(cfg.Transport.Timeout() / 4)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	if err := sock.Shutdown(); err != nil {
		return err
	}

	m := sock.Metrics()
	logging.Infof("sent %d bytes: segments=%d retransmits=%d dup_acks=%d",
		total, m.SegmentsSent, m.Retransmits, m.DupAcks)
	return nil
}
