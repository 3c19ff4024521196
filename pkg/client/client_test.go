package client

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bsdbgsuite/bsdbg/internal/protocol"
)

func TestClient(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Client Suite")
}

// fakeTarget is an in-process stand-in for the debug target's control
// port: it accepts one connection, answers the handshake, and exposes the
// request bytes it receives.
type fakeTarget struct {
	ln      net.Listener
	conn    net.Conn
	version [3]uint32
	magic   uint64

	connReady chan struct{}
	acceptErr error
}

func newFakeTarget() *fakeTarget {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	t := &fakeTarget{
		ln:        ln,
		version:   [3]uint32{3, 0, 0},
		magic:     debuggerMagic,
		connReady: make(chan struct{}),
	}
	go t.acceptAndHandshake()
	return t
}

func (t *fakeTarget) acceptAndHandshake() {
	defer close(t.connReady)

	conn, err := t.ln.Accept()
	if err != nil {
		t.acceptErr = err
		return
	}
	t.conn = conn

	var buf [8]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		t.acceptErr = err
		return
	}
	binary.LittleEndian.PutUint64(buf[:], t.magic)
	if _, err := conn.Write(buf[:]); err != nil {
		t.acceptErr = err
		return
	}
	for _, v := range t.version {
		binary.LittleEndian.PutUint32(buf[:4], v)
		if _, err := conn.Write(buf[:4]); err != nil {
			t.acceptErr = err
			return
		}
	}
}

func (t *fakeTarget) addr() string { return t.ln.Addr().String() }

// readPacket reads one length-prefixed request off the wire.
func (t *fakeTarget) readPacket() []byte {
	var sizeBuf [4]byte
	_, err := io.ReadFull(t.conn, sizeBuf[:])
	Expect(err).NotTo(HaveOccurred())
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	Expect(size).To(BeNumerically(">=", protocol.HeaderSize))

	packet := make([]byte, size)
	copy(packet, sizeBuf[:])
	_, err = io.ReadFull(t.conn, packet[4:])
	Expect(err).NotTo(HaveOccurred())
	return packet
}

func (t *fakeTarget) close() {
	if t.conn != nil {
		_ = t.conn.Close()
	}
	_ = t.ln.Close()
}

func dialTarget(t *fakeTarget) *DebuggerClient {
	conn, err := net.Dial("tcp", t.addr())
	Expect(err).NotTo(HaveOccurred())

	dc, err := NewDebuggerClient(conn)
	Expect(err).NotTo(HaveOccurred())

	Eventually(t.connReady).Should(BeClosed())
	Expect(t.acceptErr).NotTo(HaveOccurred())
	return dc
}

func uint32At(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

var _ = Describe("DebuggerClient", func() {
	var target *fakeTarget

	BeforeEach(func() {
		target = newFakeTarget()
	})

	AfterEach(func() {
		target.close()
	})

	Describe("handshake", func() {
		It("should exchange the magic number and learn the protocol version", func() {
			dc := dialTarget(target)
			defer func() { _ = dc.Shutdown() }()

			Expect(dc.ProtocolVersion()).To(Equal(ProtocolVersion{Major: 3, Minor: 0, Patch: 0}))
			Expect(dc.ProtocolVersion().String()).To(Equal("3.0.0"))
			Expect(dc.SessionID()).NotTo(BeEmpty())
		})

		It("should reject a target that answers with a bad magic number", func() {
			target.magic = 0xdeadbeef

			conn, err := net.Dial("tcp", target.addr())
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()

			_, err = NewDebuggerClient(conn)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("bad magic"))
		})
	})

	Describe("codec", func() {
		It("should write little-endian uint32 values", func() {
			dc := dialTarget(target)
			defer func() { _ = dc.Shutdown() }()

			n, err := dc.WriteUint32(0x01020304)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(4))

			buf := make([]byte, 4)
			_, err = io.ReadFull(target.conn, buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf).To(Equal([]byte{0x04, 0x03, 0x02, 0x01}))
		})

		It("should terminate strings with NUL and count the terminator", func() {
			dc := dialTarget(target)
			defer func() { _ = dc.Shutdown() }()

			n, err := dc.WriteString("日本")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(7)) // 6 UTF-8 bytes + terminator

			buf := make([]byte, 7)
			_, err = io.ReadFull(target.conn, buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf[6]).To(Equal(byte(0)))
			Expect(string(buf[:6])).To(Equal("日本"))
		})
	})

	Describe("Send", func() {
		It("should frame a STOP request as a bare header", func() {
			dc := dialTarget(target)
			defer func() { _ = dc.Shutdown() }()

			req, err := dc.Stop()
			Expect(err).NotTo(HaveOccurred())

			packet := target.readPacket()
			Expect(packet).To(HaveLen(protocol.HeaderSize))
			Expect(uint32At(packet, 0)).To(Equal(uint32(protocol.HeaderSize)))
			Expect(uint32At(packet, 4)).To(Equal(req.RequestID()))
			Expect(uint32At(packet, 8)).To(Equal(uint32(protocol.CmdStop)))
		})

		It("should frame a VARIABLES request with its path payload", func() {
			dc := dialTarget(target)
			defer func() { _ = dc.Shutdown() }()

			req, err := dc.Variables(2, 1, []string{"m", "top"}, true, nil)
			Expect(err).NotTo(HaveOccurred())

			packet := target.readPacket()
			Expect(packet).To(HaveLen(int(req.PacketSize())))
			Expect(uint32At(packet, 8)).To(Equal(uint32(protocol.CmdVariables)))
			Expect(packet[12]).To(Equal(byte(protocol.GetChildKeys)))
			Expect(uint32At(packet, 13)).To(Equal(uint32(2)))
			Expect(uint32At(packet, 17)).To(Equal(uint32(1)))
			Expect(uint32At(packet, 21)).To(Equal(uint32(2)))
			Expect(packet[25:]).To(Equal([]byte{'m', 0, 't', 'o', 'p', 0}))
		})

		It("should hand out strictly increasing request identifiers", func() {
			dc := dialTarget(target)
			defer func() { _ = dc.Shutdown() }()

			first, err := dc.Stacktrace(0, nil)
			Expect(err).NotTo(HaveOccurred())
			second, err := dc.Stacktrace(1, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(first.RequestID()).To(Equal(uint32(1)))
			Expect(second.RequestID()).To(Equal(uint32(2)))

			target.readPacket()
			packet := target.readPacket()
			Expect(uint32At(packet, 4)).To(Equal(uint32(2)))
		})

		It("should never interleave concurrent requests or reuse identifiers", func() {
			dc := dialTarget(target)
			defer func() { _ = dc.Shutdown() }()

			const senders = 8
			var wg sync.WaitGroup
			wg.Add(senders)
			for i := 0; i < senders; i++ {
				go func(thread int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := dc.Stacktrace(thread, nil)
					Expect(err).NotTo(HaveOccurred())
				}(i)
			}

			seen := map[uint32]bool{}
			for i := 0; i < senders; i++ {
				packet := target.readPacket()
				Expect(packet).To(HaveLen(16))
				Expect(uint32At(packet, 8)).To(Equal(uint32(protocol.CmdStacktrace)))

				id := uint32At(packet, 4)
				Expect(seen[id]).To(BeFalse(), "request id reused")
				seen[id] = true
			}
			wg.Wait()
		})
	})

	Describe("DrainResponses", func() {
		It("should copy raw response bytes until the target closes", func() {
			dc := dialTarget(target)
			defer func() { _ = dc.Shutdown() }()

			var out bytes.Buffer
			done := dc.DrainResponses(&out)

			_, err := target.conn.Write([]byte{0xCA, 0xFE, 0x00, 0x42})
			Expect(err).NotTo(HaveOccurred())
			Expect(target.conn.Close()).To(Succeed())

			Eventually(done, time.Second).Should(BeClosed())
			Expect(out.Bytes()).To(Equal([]byte{0xCA, 0xFE, 0x00, 0x42}))
		})
	})
})

var _ = Describe("dialWithRetry", func() {
	It("should pace retries instead of redialing a dead port at network speed", func() {
		// A refused dial fails in one round trip; without the sleep the
		// loop would burn thousands of attempts inside this budget.
		attempts := 0
		refused := func(network, addr string, timeout time.Duration) (net.Conn, error) {
			attempts++
			return nil, errors.New("connection refused")
		}

		started := time.Now()
		_, err := dialWithRetry("127.0.0.1:1", 250*time.Millisecond, refused)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("could not connect"))

		Expect(attempts).To(BeNumerically("<=", 3))
		Expect(time.Since(started)).To(BeNumerically(">=", 200*time.Millisecond))
	})

	It("should return the connection from a successful attempt", func() {
		server, conn := net.Pipe()
		defer func() { _ = server.Close() }()
		defer func() { _ = conn.Close() }()

		got, err := dialWithRetry("unused", time.Second, func(network, addr string, timeout time.Duration) (net.Conn, error) {
			return conn, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeIdenticalTo(conn))
	})
})

var _ = Describe("IOListener", func() {
	It("should stream the target's script output until EOF", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = ln.Close() }()

		go func() {
			defer GinkgoRecover()
			conn, err := ln.Accept()
			Expect(err).NotTo(HaveOccurred())
			_, err = conn.Write([]byte("Hello from BrightScript\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(conn.Close()).To(Succeed())
		}()

		port := ln.Addr().(*net.TCPAddr).Port
		var out bytes.Buffer
		listener, err := ListenIO("127.0.0.1", port, &out)
		Expect(err).NotTo(HaveOccurred())

		Eventually(listener.Done(), time.Second).Should(BeClosed())
		Expect(listener.Err()).NotTo(HaveOccurred())
		Expect(out.String()).To(Equal("Hello from BrightScript\n"))
	})
})
