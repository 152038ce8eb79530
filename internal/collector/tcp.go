package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// maxPendingLine guards against a peer streaming an unterminated line
	// forever. A pending line that grows past this is cut at the limit and
	// flushed as one truncated event.
	maxPendingLine = 64 * 1024

	tcpIdleTimeout = 5 * time.Minute
)

// runTCP accepts connections until ctx is cancelled. Each connection is
// stream-oriented with newline-delimited framing; octet-counted frames
// (RFC 6587) are also accepted when a line starts with a digit count.
func (c *Collector) runTCP(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", c.cfg.TCPBind, c.cfg.TCPPort))
	if err != nil {
		return err
	}
	defer func() { _ = listener.Close() }()

	c.logger.Info("tcp listener starting", "addr", listener.Addr().String())

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		default:
		}

		// Accept deadline keeps the loop responsive to cancellation.
		_ = listener.(*net.TCPListener).SetDeadline(time.Now().Add(time.Second))

		conn, err := listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return nil
			}
			c.logger.Warn("tcp accept error", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { _ = conn.Close() }()
			c.metrics.ConnOpened()
			defer c.metrics.ConnClosed()
			c.handleTCPConn(ctx, conn)
		}()
	}
}

// handleTCPConn reads frames from one connection. Incomplete trailing bytes
// are retained across reads. Idle connections are closed after five minutes.
// Connection resets are normal peer behavior and not logged as errors.
func (c *Collector) handleTCPConn(ctx context.Context, conn net.Conn) {
	srcIP := ""
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		srcIP = tcpAddr.IP.String()
	}

	fr := &tcpFramer{}
	tmp := make([]byte, 4096)
	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(lastActivity) > tcpIdleTimeout {
			c.logger.Debug("closing idle tcp connection", "remote", conn.RemoteAddr().String())
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(tmp)
		if n > 0 {
			lastActivity = time.Now()
			for _, frame := range fr.feed(tmp[:n]) {
				line := strings.TrimRight(string(frame.data), "\r\n")
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				c.accept(Event{
					RawMessage:     line,
					ReceivedAt:     time.Now().UTC(),
					SourceIP:       srcIP,
					Transport:      "tcp",
					Truncated:      frame.truncated,
					OriginalLength: frame.originalLen,
				})
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
				errors.Is(err, syscall.ECONNRESET) {
				return
			}
			c.logger.Warn("tcp read error", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
}

// tcpFrame is one extracted message plus truncation bookkeeping.
type tcpFrame struct {
	data        []byte
	truncated   bool
	originalLen int
}

// tcpFramer splits a TCP byte stream into syslog frames. Newline-delimited
// framing is the default; a frame starting with an ASCII digit count and a
// space is read as octet-counted. A pending newline-delimited line larger
// than maxPendingLine is cut at the limit and the remainder of the line is
// discarded.
type tcpFramer struct {
	buf        bytes.Buffer
	discarding bool // dropping the tail of a truncated line
	discarded  int  // bytes dropped so far for the current line
}

func (f *tcpFramer) feed(p []byte) []tcpFrame {
	f.buf.Write(p)

	var frames []tcpFrame
	for {
		if f.discarding {
			data := f.buf.Bytes()
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				f.discarded += len(data)
				f.buf.Reset()
				return frames
			}
			f.discarded += idx + 1
			f.buf.Next(idx + 1)
			f.discarding = false
			f.discarded = 0
			continue
		}

		data := f.buf.Bytes()
		if len(data) == 0 {
			return frames
		}

		if data[0] >= '0' && data[0] <= '9' {
			frame, ok := f.tryOctetCounted()
			if !ok {
				return frames
			}
			if frame != nil {
				frames = append(frames, *frame)
			}
			continue
		}

		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if len(data) > maxPendingLine {
				line := make([]byte, maxPendingLine)
				copy(line, data[:maxPendingLine])
				frames = append(frames, tcpFrame{
					data:        line,
					truncated:   true,
					originalLen: len(data), // grows as the discard continues
				})
				f.buf.Reset()
				f.discarding = true
				f.discarded = len(data)
			}
			return frames
		}

		line := make([]byte, idx)
		copy(line, data[:idx])
		f.buf.Next(idx + 1)
		frames = append(frames, tcpFrame{data: line, originalLen: idx})
	}
}

// tryOctetCounted attempts to read a "NNN <msg>" frame from the buffer.
// Returns (nil, false) when more bytes are needed, (nil, true) when the
// prefix turned out not to be a valid count (the bytes become plain line
// content), or the complete frame.
func (f *tcpFramer) tryOctetCounted() (*tcpFrame, bool) {
	data := f.buf.Bytes()
	length := 0
	i := 0
	for ; i < len(data); i++ {
		b := data[i]
		if b == ' ' {
			break
		}
		if b < '0' || b > '9' || length > maxPendingLine {
			return f.fallbackLine()
		}
		length = length*10 + int(b-'0')
	}
	// A declared count past the pending cap is not accepted as a frame
	// either; the digits are line content like any other oversized line.
	if length > maxPendingLine {
		return f.fallbackLine()
	}
	if i == len(data) {
		return nil, false // count still incomplete
	}

	start := i + 1
	if len(data) < start+length {
		return nil, false // message incomplete
	}

	msg := make([]byte, length)
	copy(msg, data[start:start+length])
	f.buf.Next(start + length)
	return &tcpFrame{data: msg, originalLen: length}, true
}

// fallbackLine treats a failed octet-count prefix as newline-delimited
// content. The pending-line cap applies here just as in feed: without it a
// digit-prefixed stream that never sends a newline would grow the buffer
// without bound.
func (f *tcpFramer) fallbackLine() (*tcpFrame, bool) {
	data := f.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx >= 0 {
		line := make([]byte, idx)
		copy(line, data[:idx])
		f.buf.Next(idx + 1)
		return &tcpFrame{data: line, originalLen: idx}, true
	}
	if len(data) > maxPendingLine {
		line := make([]byte, maxPendingLine)
		copy(line, data[:maxPendingLine])
		f.buf.Reset()
		f.discarding = true
		f.discarded = len(data)
		return &tcpFrame{data: line, truncated: true, originalLen: len(data)}, true
	}
	return nil, false
}
