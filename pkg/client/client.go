package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/bsdbgsuite/bsdbg/internal/protocol"
	"github.com/google/uuid"
)

const (
	// DebuggerPort is the control port the debug target listens on.
	DebuggerPort = 8081

	// debuggerMagic is b"bsdebug\0" read as a little-endian uint64.
	// Both sides exchange it before anything else.
	debuggerMagic uint64 = 0x0067756265647362

	// DefaultConnectTimeout bounds the whole connect-retry loop. The
	// target only starts listening a few seconds after the channel is
	// sideloaded, so single-shot dialing is not enough.
	DefaultConnectTimeout = 60 * time.Second

	initialDialTimeout = 2 * time.Second
)

// ProtocolVersion is the three-part version the target reports during the
// handshake.
type ProtocolVersion struct {
	Major, Minor, Patch uint32
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// DebuggerClient owns the control connection to a debug target. It
// implements protocol.Codec; the request-id counter and the socket are a
// single serialization point, so every request must go through Send, which
// holds one lock across identifier allocation and the full write.
type DebuggerClient struct {
	addr      string
	sessionID string
	conn      net.Conn

	mu            sync.Mutex
	nextRequestID uint32 // starts at 1; 0 is reserved

	protocolVersion ProtocolVersion
}

// Connect dials the target's control port, retrying inside the timeout
// budget, and performs the magic/version handshake.
func Connect(host string, timeout time.Duration) (*DebuggerClient, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", DebuggerPort))
	log.Printf("[Client] connecting to debug target %s ...", addr)

	conn, err := dialWithRetry(addr, timeout, net.DialTimeout)
	if err != nil {
		return nil, err
	}

	dc, err := NewDebuggerClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	dc.addr = addr
	log.Printf("[Client] %s connected to %s, protocol version=%s",
		dc.sessionID, addr, dc.protocolVersion)
	return dc, nil
}

type dialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// dialWithRetry keeps dialing addr until it answers or the overall timeout
// runs out. A refused dial returns in one round trip, so each failed
// attempt sleeps out the rest of its window; the target only starts
// listening a few seconds after sideload and must not be hammered at
// network speed in the meantime.
func dialWithRetry(addr string, timeout time.Duration, dial dialFunc) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	dialTimeout := initialDialTimeout
	attempt := 0

	for {
		attempt++
		started := time.Now()
		conn, err := dial("tcp", addr, dialTimeout)
		if err == nil {
			return conn, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("could not connect to %s after %d attempts: %w", addr, attempt, err)
		}
		if wait := min(dialTimeout-time.Since(started), remaining); wait > 0 {
			time.Sleep(wait)
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, fmt.Errorf("could not connect to %s after %d attempts: %w", addr, attempt, err)
			}
		}
		// Back off gently, never past the overall deadline.
		dialTimeout = min(time.Duration(float64(dialTimeout)*1.1), remaining)
	}
}

// NewDebuggerClient wraps an already-established control connection and
// performs the handshake on it.
func NewDebuggerClient(conn net.Conn) (*DebuggerClient, error) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Requests are small; flush each field promptly.
		if err := tcp.SetNoDelay(true); err != nil {
			return nil, fmt.Errorf("set TCP_NODELAY: %w", err)
		}
	}

	dc := &DebuggerClient{
		sessionID:     uuid.New().String(),
		conn:          conn,
		nextRequestID: 1,
	}
	if err := dc.handshake(); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return dc, nil
}

// handshake exchanges the magic number and reads the target's protocol
// version (three uint32 fields).
func (dc *DebuggerClient) handshake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], debuggerMagic)
	if _, err := dc.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}

	if _, err := io.ReadFull(dc.conn, buf[:]); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if got := binary.LittleEndian.Uint64(buf[:]); got != debuggerMagic {
		return fmt.Errorf("bad magic number from debug target: %#x", got)
	}

	var ver [3]uint32
	for i := range ver {
		if _, err := io.ReadFull(dc.conn, buf[:4]); err != nil {
			return fmt.Errorf("read protocol version: %w", err)
		}
		ver[i] = binary.LittleEndian.Uint32(buf[:4])
	}
	dc.protocolVersion = ProtocolVersion{Major: ver[0], Minor: ver[1], Patch: ver[2]}
	return nil
}

// SessionID is a local identifier for log correlation; it never goes on
// the wire.
func (dc *DebuggerClient) SessionID() string { return dc.sessionID }

// ProtocolVersion reports the version learned during the handshake.
func (dc *DebuggerClient) ProtocolVersion() ProtocolVersion { return dc.protocolVersion }

// NextRequestID implements protocol.Codec. Send holds the client lock
// across this call and the request's writes; never call it directly.
func (dc *DebuggerClient) NextRequestID() uint32 {
	id := dc.nextRequestID
	dc.nextRequestID++
	return id
}

// WriteUint32 implements protocol.Codec (little-endian).
func (dc *DebuggerClient) WriteUint32(v uint32) (int, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return dc.conn.Write(b[:])
}

// WriteByte implements protocol.Codec.
func (dc *DebuggerClient) WriteByte(b byte) (int, error) {
	return dc.conn.Write([]byte{b})
}

// WriteString implements protocol.Codec: UTF-8 bytes plus a NUL
// terminator, both counted in the returned length.
func (dc *DebuggerClient) WriteString(s string) (int, error) {
	n, err := io.WriteString(dc.conn, s)
	if err != nil {
		return n, err
	}
	w, err := dc.conn.Write([]byte{0})
	return n + w, err
}

// Send transmits one request. Identifier allocation and the request's
// entire byte sequence happen under a single lock, so concurrent callers
// can neither interleave bytes nor share an identifier.
func (dc *DebuggerClient) Send(req protocol.Outbound) (int, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	n, err := req.Send(dc)
	if err != nil {
		// A partial write leaves the stream unframed; the connection
		// is unusable from here on.
		return n, fmt.Errorf("send %s: connection is no longer usable: %w", req.CmdCode(), err)
	}
	log.Printf("[Client] %s sent %s reqid=%d (%d bytes)", dc.sessionID, req.CmdCode(), req.RequestID(), n)
	return n, nil
}

// Stop suspends all threads in the running channel.
func (dc *DebuggerClient) Stop() (*protocol.StopRequest, error) {
	req := protocol.NewStopRequest()
	if _, err := dc.Send(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Continue resumes all stopped threads.
func (dc *DebuggerClient) Continue() (*protocol.ContinueRequest, error) {
	req := protocol.NewContinueRequest()
	if _, err := dc.Send(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Threads asks the target to enumerate its threads.
func (dc *DebuggerClient) Threads(callerData any) (*protocol.ThreadsRequest, error) {
	req := protocol.NewThreadsRequest(callerData)
	if _, err := dc.Send(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Stacktrace asks for the stack of one stopped thread.
func (dc *DebuggerClient) Stacktrace(threadIndex int, callerData any) (*protocol.StacktraceRequest, error) {
	req, err := protocol.NewStacktraceRequest(threadIndex, callerData)
	if err != nil {
		return nil, err
	}
	if _, err := dc.Send(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Step briefly executes one thread at the given granularity.
func (dc *DebuggerClient) Step(threadIndex int, stepType protocol.StepType) (*protocol.StepRequest, error) {
	req, err := protocol.NewStepRequest(threadIndex, stepType)
	if err != nil {
		return nil, err
	}
	if _, err := dc.Send(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Variables fetches a variable (or a frame's locals) on a stopped thread.
func (dc *DebuggerClient) Variables(threadIndex, stackIndex int, variablePath []string, getChildKeys bool, callerData any) (*protocol.VariablesRequest, error) {
	req, err := protocol.NewVariablesRequest(threadIndex, stackIndex, variablePath, getChildKeys, callerData)
	if err != nil {
		return nil, err
	}
	if _, err := dc.Send(req); err != nil {
		return nil, err
	}
	return req, nil
}

// ExitChannel tells the target to terminate the channel.
func (dc *DebuggerClient) ExitChannel() (*protocol.ExitChannelRequest, error) {
	req := protocol.NewExitChannelRequest()
	if _, err := dc.Send(req); err != nil {
		return nil, err
	}
	return req, nil
}

// DrainResponses copies raw control-channel response bytes to out until
// the connection closes. Decoding responses is a separate layer's job;
// this only keeps the socket drained and the bytes observable.
func (dc *DebuggerClient) DrainResponses(out io.Writer) <-chan struct{} {
	if out == nil {
		out = io.Discard
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := io.Copy(out, dc.conn)
		if err != nil {
			log.Printf("[Client] %s response drain ended after %d bytes: %v", dc.sessionID, n, err)
			return
		}
		log.Printf("[Client] %s target closed control connection (%d response bytes)", dc.sessionID, n)
	}()
	return done
}

// Shutdown closes the control connection. Call only after the final
// request has been sent; unsent data may be discarded.
func (dc *DebuggerClient) Shutdown() error {
	if dc.conn == nil {
		return nil
	}
	log.Printf("[Client] %s closing control connection", dc.sessionID)
	return dc.conn.Close()
}
