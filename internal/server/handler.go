package server

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/riftproxy/socksentry/internal/acl"
	"github.com/riftproxy/socksentry/internal/codec"
	"github.com/riftproxy/socksentry/internal/pool"
	"github.com/riftproxy/socksentry/internal/relay"
	"github.com/riftproxy/socksentry/internal/session"
	appErr "github.com/riftproxy/socksentry/pkg/errors"
)

func protoForCommand(cmd codec.Command) acl.Protocol {
	if cmd == codec.CmdUDPAssociate {
		return acl.ProtoUDP
	}
	return acl.ProtoTCP
}

func sourceIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// replyForErr maps an AppError to its SOCKS5 reply byte, defaulting to
// GeneralFailure for anything unmapped (§7).
func replyForErr(err error) codec.Reply {
	if ae, ok := appErr.As(err); ok {
		if b, ok := ae.Reply(); ok {
			return codec.Reply(b)
		}
	}
	return codec.ReplyGeneralFailure
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	greeting, err := codec.ParseGreeting(conn)
	if err != nil {
		s.log.Debug("greeting parse failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	configuredMethod, allowNoAuth, supported := methodFor(s.cfg.Auth.SocksMethod)
	var selected byte
	if !supported {
		selected = codec.MethodNoAccept
	} else {
		selected = codec.SelectMethod(greeting.Methods, configuredMethod, allowNoAuth)
	}
	if err := codec.WriteMethodSelect(conn, selected); err != nil {
		return
	}
	if selected == codec.MethodNoAccept {
		return
	}

	user := s.cfg.Acl.AnonymousUser
	if selected == codec.MethodUserPass {
		auth, err := codec.ParseUserPassAuth(conn)
		if err != nil {
			return
		}
		ok := s.checkUserPass(auth.Username, auth.Password)
		if writeErr := codec.WriteUserPassStatus(conn, ok); writeErr != nil {
			return
		}
		if !ok {
			s.log.Debug("userpass auth failed", "user", auth.Username)
			return
		}
		user = auth.Username
	}

	req, err := codec.ParseRequest(conn)
	if err != nil {
		_ = codec.WriteReply(conn, replyForErr(err), codec.Address{}, 0)
		return
	}

	proto := protoForCommand(req.Command)
	src := sourceIP(conn)

	var groups []string
	if s.groups != nil {
		groups, _ = s.groups.Groups(ctx, user)
	}
	decision := s.acl.Evaluate(user, req.Address, req.Port, proto, groups)
	if decision.Action == acl.ActionBlock {
		_ = codec.WriteReply(conn, codec.ReplyConnectionNotAllowed, codec.Address{}, 0)
		s.sessions.Reject(user, src, req.Address, req.Port, proto, decision)
		return
	}

	if !s.qos.IncUserConnections(user) {
		_ = codec.WriteReply(conn, codec.ReplyGeneralFailure, codec.Address{}, 0)
		return
	}
	defer s.qos.DecUserConnections(user)

	switch req.Command {
	case codec.CmdConnect:
		s.handleConnect(ctx, conn, user, src, req, decision)
	case codec.CmdBind:
		s.handleBind(ctx, conn, user, src, req, decision)
	case codec.CmdUDPAssociate:
		s.handleUDPAssociate(ctx, conn, user, src, req, decision)
	default:
		_ = codec.WriteReply(conn, codec.ReplyCommandNotSupported, codec.Address{}, 0)
	}
}

// methodFor translates the configured auth.socks_method into the
// codec's method byte. PAM-backed methods have no backend (see
// SPEC_FULL.md §4) and report unsupported, forcing NoAcceptable.
func methodFor(socksMethod string) (method byte, allowNoAuth bool, supported bool) {
	switch socksMethod {
	case "", "none":
		return codec.MethodNoAuth, true, true
	case "userpass":
		return codec.MethodUserPass, false, true
	default:
		if strings.HasPrefix(socksMethod, "pam.") {
			return 0, false, false
		}
		return 0, false, false
	}
}

func (s *Server) handleConnect(ctx context.Context, client net.Conn, user, src string, req codec.Request, decision acl.Decision) {
	candidates, err := s.resolver.Candidates(ctx, req.Address, req.Port)
	if err != nil {
		_ = codec.WriteReply(client, replyForErr(err), codec.Address{}, 0)
		return
	}

	var upstream net.Conn
	var dialedDest string
	for _, cand := range candidates {
		dest := cand.String()
		c, dialErr := s.pool.Get(ctx, dest)
		if dialErr == nil {
			upstream = c
			dialedDest = dest
			break
		}
		s.log.Debug("dial candidate failed", "dest", dest, "error", dialErr)
	}
	if upstream == nil {
		_ = codec.WriteReply(client, codec.ReplyHostUnreachable, codec.Address{}, 0)
		return
	}

	boundAddr, boundPort := localBound(upstream)
	if err := codec.WriteReply(client, codec.ReplySucceeded, boundAddr, boundPort); err != nil {
		upstream.Close()
		return
	}

	id := s.sessions.Create(user, src, req.Address, req.Port, acl.ProtoTCP, decision)
	status, reason := s.relay.Run(ctx, id, user, client, upstream)
	s.sessions.Close(id, status, reason)

	s.pool.Put(dialedDest, upstream, hintFor(status))
}

func hintFor(status session.Status) pool.Hint {
	if status == session.Closed {
		return pool.Reuse
	}
	return pool.Refresh
}

func localBound(conn net.Conn) (codec.Address, uint16) {
	tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return codec.AddressFromIP(net.IPv4zero), 0
	}
	return codec.AddressFromIP(tcpAddr.IP), uint16(tcpAddr.Port)
}

func (s *Server) handleBind(ctx context.Context, client net.Conn, user, src string, req codec.Request, decision acl.Decision) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		_ = codec.WriteReply(client, codec.ReplyGeneralFailure, codec.Address{}, 0)
		return
	}
	defer ln.Close()

	boundAddr, boundPort := localBoundFromAddr(ln.Addr())
	if err := codec.WriteReply(client, codec.ReplySucceeded, boundAddr, boundPort); err != nil {
		return
	}

	id := s.sessions.Create(user, src, req.Address, req.Port, acl.ProtoTCP, decision)

	tcpLn, ok := ln.(*net.TCPListener)
	if ok {
		_ = tcpLn.SetDeadline(time.Now().Add(relay.BindAcceptTimeout))
	}
	peer, err := ln.Accept()
	if err != nil {
		_ = codec.WriteReply(client, codec.ReplyGeneralFailure, codec.Address{}, 0)
		s.sessions.Close(id, session.Failed, "BIND accept timeout")
		return
	}
	defer peer.Close()

	peerAddr, peerPort := localBoundFromAddr(peer.RemoteAddr())
	if err := codec.WriteReply(client, codec.ReplySucceeded, peerAddr, peerPort); err != nil {
		s.sessions.Close(id, session.Failed, err.Error())
		return
	}

	status, reason := s.relay.Run(ctx, id, user, client, peer)
	s.sessions.Close(id, status, reason)
}

func localBoundFromAddr(a net.Addr) (codec.Address, uint16) {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return codec.AddressFromIP(net.IPv4zero), 0
	}
	return codec.AddressFromIP(tcpAddr.IP), uint16(tcpAddr.Port)
}

// handleUDPAssociate binds an ephemeral UDP socket, replies with its
// address, then relays datagrams: client->remote when the source IP
// matches the TCP client, remote->client otherwise for any destination
// the client has already sent to. Either a 120s idle timeout or the TCP
// association's closure ends the relay, per §4.8.
func (s *Server) handleUDPAssociate(ctx context.Context, client net.Conn, user, src string, req codec.Request, decision acl.Decision) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		_ = codec.WriteReply(client, codec.ReplyGeneralFailure, codec.Address{}, 0)
		return
	}
	defer udpConn.Close()

	boundAddr, boundPort := localBoundFromAddr(udpConn.LocalAddr())
	if err := codec.WriteReply(client, codec.ReplySucceeded, boundAddr, boundPort); err != nil {
		return
	}

	id := s.sessions.Create(user, src, req.Address, req.Port, acl.ProtoUDP, decision)

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// TCP association closure ends the UDP relay: block on a read from
	// the control connection (the client never sends anything further
	// on it) until it errors (EOF/reset), then cancel and close the UDP
	// socket so a pending read returns at once.
	go func() {
		buf := make([]byte, 1)
		_, _ = client.Read(buf)
		cancel()
		_ = udpConn.Close()
	}()

	status, reason := s.relayUDP(relayCtx, udpConn, net.ParseIP(src))
	s.sessions.AddTraffic(id, 0, 0, 0, 0)
	s.sessions.Close(id, status, reason)
}

// udpAssociation tracks the client_udp_addr<->dest_addr session map for
// one UDP ASSOCIATE: every destination the client has sent to stays
// mapped independently, so replies from any of them find their way
// back, not just the most recently contacted one.
type udpAssociation struct {
	clientAddr   *net.UDPAddr
	destinations map[string]*net.UDPAddr
}

func (s *Server) relayUDP(ctx context.Context, udpConn *net.UDPConn, clientIP net.IP) (session.Status, string) {
	assoc := udpAssociation{destinations: make(map[string]*net.UDPAddr)}

	buf := make([]byte, 65535)
	for {
		_ = udpConn.SetReadDeadline(time.Now().Add(relay.IdleUDPTimeout))
		n, from, err := udpConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return session.Closed, "UDP session timeout"
			}
			select {
			case <-ctx.Done():
				return session.Closed, ""
			default:
			}
			return session.Failed, err.Error()
		}

		if clientIP != nil && from.IP.Equal(clientIP) {
			assoc.clientAddr = from
			dgram, err := codec.ParseDatagram(buf[:n])
			if err != nil {
				continue
			}
			candidates, err := s.resolver.Candidates(ctx, dgram.Address, dgram.Port)
			if err != nil || len(candidates) == 0 {
				continue
			}
			destAddr := &net.UDPAddr{IP: candidates[0].IP, Port: candidates[0].Port}
			assoc.destinations[destAddr.String()] = destAddr
			_, _ = udpConn.WriteToUDP(dgram.Payload, destAddr)
		} else if assoc.clientAddr != nil {
			if _, known := assoc.destinations[from.String()]; known {
				out := codec.SerializeDatagram(codec.Datagram{
					Address: codec.AddressFromIP(from.IP),
					Port:    uint16(from.Port),
					Payload: buf[:n],
				})
				_, _ = udpConn.WriteToUDP(out, assoc.clientAddr)
			}
		}

		select {
		case <-ctx.Done():
			return session.Closed, ""
		default:
		}
	}
}
