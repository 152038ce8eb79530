package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// runUDP receives datagrams until ctx is cancelled. One datagram is one
// syslog line; trailing CR/LF is stripped, no framing applies.
func (c *Collector) runUDP(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", c.cfg.UDPBind, c.cfg.UDPPort))
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	c.logger.Info("udp listener starting", "addr", conn.LocalAddr().String())

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Read deadline keeps the loop responsive to cancellation.
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))

		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.logger.Warn("udp read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		line := strings.TrimRight(string(buf[:n]), "\r\n")
		if line == "" {
			continue
		}

		c.accept(Event{
			RawMessage: line,
			ReceivedAt: time.Now().UTC(),
			SourceIP:   remote.IP.String(),
			Transport:  "udp",
		})
	}
}
