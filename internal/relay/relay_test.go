package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riftproxy/socksentry/internal/acl"
	"github.com/riftproxy/socksentry/internal/codec"
	"github.com/riftproxy/socksentry/internal/qos/htb"
	"github.com/riftproxy/socksentry/internal/session"
)

// pipeConn adapts an io.Pipe into a minimal net.Conn with CloseWrite,
// enough to exercise the relay's half-close propagation.
type pipeConn struct {
	*io.PipeReader
	w *io.PipeWriter
}

func (p *pipeConn) Write(b []byte) (int, error)        { return p.w.Write(b) }
func (p *pipeConn) Close() error                        { p.w.Close(); return p.PipeReader.Close() }
func (p *pipeConn) CloseWrite() error                   { return p.w.Close() }
func (p *pipeConn) LocalAddr() net.Addr                 { return dummyAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr                { return dummyAddr{} }
func (p *pipeConn) SetDeadline(time.Time) error         { return nil }
func (p *pipeConn) SetReadDeadline(time.Time) error     { return nil }
func (p *pipeConn) SetWriteDeadline(time.Time) error    { return nil }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "pipe" }
func (dummyAddr) String() string  { return "pipe" }

func newPipePair() (a, b *pipeConn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeConn{PipeReader: r1, w: w2}, &pipeConn{PipeReader: r2, w: w1}
}

func disabledScheduler() *htb.Scheduler {
	return htb.NewScheduler(htb.Config{Enabled: false})
}

func TestRelayCopiesBothDirectionsAndClosesClean(t *testing.T) {
	clientSide, clientPeer := newPipePair()
	upstreamSide, upstreamPeer := newPipePair()

	sess := session.NewManager(nil)
	id := sess.Create("alice", "10.0.0.1", codec.AddressFromDomain("example.com"), 80, acl.ProtoTCP, acl.Decision{Action: acl.ActionAllow})

	r := New(Config{TrafficUpdatePacketInterval: 1}, disabledScheduler(), sess)

	done := make(chan struct{})
	var status session.Status
	go func() {
		status, _ = r.Run(context.Background(), id, "alice", clientPeer, upstreamPeer)
		close(done)
	}()

	go func() {
		clientSide.Write([]byte("ping"))
		clientSide.CloseWrite()
	}()
	buf := make([]byte, 4)
	n, _ := io.ReadFull(upstreamSide, buf)
	require.Equal(t, "ping", string(buf[:n]))

	go func() {
		upstreamSide.Write([]byte("pong"))
		upstreamSide.Close()
	}()
	buf2 := make([]byte, 4)
	n2, _ := io.ReadFull(clientSide, buf2)
	require.Equal(t, "pong", string(buf2[:n2]))

	<-done
	require.Equal(t, session.Closed, status)
	require.Equal(t, 1, sess.ActiveCount())
	sess.Close(id, session.Closed, "")
	require.Equal(t, 0, sess.ActiveCount())
}
