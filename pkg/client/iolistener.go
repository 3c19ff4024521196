package client

import (
	"fmt"
	"io"
	"log"
	"net"
)

// IOListener streams the running script's output. The target announces a
// separate I/O port over the control connection; this listens on it and
// copies raw bytes to out until the target closes the stream.
type IOListener struct {
	conn net.Conn
	done chan struct{}
	err  error
}

// ListenIO connects to the target's I/O port and starts the copy loop.
func ListenIO(host string, port int, out io.Writer) (*IOListener, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to I/O port %s: %w", addr, err)
	}
	log.Printf("[IOListener] connected to %s", addr)

	l := &IOListener{
		conn: conn,
		done: make(chan struct{}),
	}
	go l.run(out)
	return l, nil
}

func (l *IOListener) run(out io.Writer) {
	defer close(l.done)
	defer func() {
		if err := l.conn.Close(); err != nil {
			log.Printf("[IOListener] close error: %v", err)
		}
	}()

	n, err := io.Copy(out, l.conn)
	if err != nil {
		l.err = err
		log.Printf("[IOListener] copy ended after %d bytes: %v", n, err)
		return
	}
	log.Printf("[IOListener] EOF on target I/O stream (%d bytes)", n)
}

// Done is closed when the I/O stream ends.
func (l *IOListener) Done() <-chan struct{} { return l.done }

// Err reports why the stream ended, if it ended on a failure. Only valid
// after Done is closed.
func (l *IOListener) Err() error { return l.err }

// Close tears the I/O connection down early.
func (l *IOListener) Close() error { return l.conn.Close() }
