// Package transport implements the TCP accept loop and per-connection wire
// handling: decoding MQTT 3.1.1 frames with internal/packet, translating
// them into internal/mqtt/broker and internal/mqtt/session verb calls, and
// draining each Session's output queues back onto the wire.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/mqtt"
	"github.com/pyr33x/goqtt/internal/mqtt/broker"
	"github.com/pyr33x/goqtt/internal/mqtt/session"
	pkt "github.com/pyr33x/goqtt/internal/packet"
	putils "github.com/pyr33x/goqtt/internal/packet/utils"
	"github.com/pyr33x/goqtt/pkg/er"
)

// TCPServer accepts MQTT connections and drives each one against a Broker.
type TCPServer struct {
	addr               string
	listener           net.Listener
	broker             *broker.Broker
	log                *logger.Logger
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
}

// New creates a TCPServer that listens on port addr (Start listens on
// ":"+addr) and dispatches against b.
func New(addr string, b *broker.Broker, log *logger.Logger, maxConnections int) *TCPServer {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	return &TCPServer{
		addr:           addr,
		broker:         b,
		log:            log,
		maxConnections: maxConnections,
	}
}

// Start begins accepting TCP connections
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			srv.log.Info("shutting down accept loop")
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				srv.log.LogError(err, "accept error")
				continue
			}
			go srv.handleConnection(ctx, conn)
		}
	}
}

func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

func (srv *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		conn.Close()
		srv.currentConnections.Add(-1)
		srv.log.LogClientConnection("", remote, "closed")
	}()

	if reason := srv.checkServerAvailability(); reason != "" {
		srv.sendAndClose(conn, pkt.NewConnAck(false, byte(mqtt.ServerUnavailable)))
		srv.log.LogError(errors.New(reason), "rejected connection", logger.String("remote_addr", remote))
		return
	}

	srv.currentConnections.Add(1)
	srv.log.LogClientConnection("", remote, "accepted")

	reader := bufio.NewReader(conn)

	s, principal, ok := srv.handshake(ctx, conn, reader, remote)
	if !ok {
		return
	}

	connCtx, gen, displaced := s.SetOwner(ctx)
	if displaced {
		srv.log.LogSessionDisplaced(s.ClientIdentifier, logger.String("remote_addr", remote))
	}
	defer s.ClearOwner(gen)

	writerDone := make(chan struct{})
	go srv.writeLoop(connCtx, conn, s, writerDone)

	// Unblock the reader's blocking conn.Read once this owner is displaced
	// or hard-overflowed, since readPacket has no ctx of its own.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	srv.readLoop(connCtx, conn, reader, s, principal, remote)

	<-writerDone
}

// handshake reads the mandatory CONNECT frame, authenticates it through the
// broker, and writes CONNACK. It returns ok=false when the connection was
// rejected or could not be set up (any CONNACK has then already been
// written), and the caller should stop.
func (srv *TCPServer) handshake(ctx context.Context, conn net.Conn, reader *bufio.Reader, remote string) (*session.Session, *mqtt.Principal, bool) {
	raw, err := readPacket(reader)
	if err != nil {
		srv.log.LogError(err, "failed to read CONNECT", logger.String("remote_addr", remote))
		return nil, nil, false
	}

	parsed, err := pkt.Parse(raw)
	if err != nil || !parsed.IsConnect() {
		srv.log.LogError(err, "expected CONNECT", logger.String("remote_addr", remote))
		srv.sendAndClose(conn, pkt.NewConnAck(false, byte(connackCodeForError(err))))
		return nil, nil, false
	}
	cp := parsed.GetConnect()

	req := mqtt.ConnectionRequest{
		ClientIdentifier: cp.ClientID,
		CleanSession:     cp.CleanSession,
		RemoteAddress:    conn.RemoteAddr(),
	}
	if cp.UsernameFlag {
		req.Credentials = &mqtt.Credentials{Username: derefString(cp.Username), Password: derefString(cp.Password)}
	}

	var (
		resultSession   *session.Session
		resultPrincipal *mqtt.Principal
		accepted        bool
	)

	err = srv.broker.WithSession(ctx, req,
		func(code mqtt.ConnackCode) {
			srv.sendAndClose(conn, pkt.NewConnAck(false, byte(code)))
		},
		func(s *session.Session, sessionPresent bool) error {
			accepted = true
			resultSession = s
			if cp.WillFlag {
				s.SetWill(derefString(cp.WillTopic), []byte(derefString(cp.WillMessage)), mqtt.QoS(cp.WillQoS), cp.WillRetain)
			} else {
				s.ClearWill()
			}
			if sessionPresent {
				s.Resume()
			}
			if _, err := conn.Write(pkt.NewConnAck(sessionPresent, byte(mqtt.ConnectionAccepted))); err != nil {
				return err
			}
			return nil
		})
	if err != nil {
		srv.log.LogError(err, "connection setup failed", logger.String("remote_addr", remote))
		return nil, nil, false
	}
	if !accepted {
		return nil, nil, false
	}

	principal, ok, err := srv.broker.Authenticator().GetPrincipal(ctx, resultSession.PrincipalID)
	if err != nil || !ok {
		srv.log.LogError(err, "principal vanished after accept", logger.String("remote_addr", remote))
		return nil, nil, false
	}
	resultPrincipal = principal

	srv.log.LogAuth(resultSession.ClientIdentifier, resultSession.PrincipalID, true, "connected")
	return resultSession, resultPrincipal, true
}

// readLoop decodes frames from conn and applies them to s/principal until
// the connection closes, ctx is cancelled (displacement), or a DISCONNECT
// or protocol violation ends the session gracefully/ungracefully.
func (srv *TCPServer) readLoop(ctx context.Context, conn net.Conn, reader *bufio.Reader, s *session.Session, principal *mqtt.Principal, remote string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := readPacket(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				srv.log.LogError(err, "read error", logger.String("remote_addr", remote))
			}
			srv.publishWillIfAny(s)
			return
		}

		parsed, err := pkt.Parse(raw)
		if err != nil {
			srv.log.LogError(err, "malformed packet", logger.String("remote_addr", remote))
			srv.publishWillIfAny(s)
			return
		}

		switch parsed.Type {
		case pkt.PUBLISH:
			srv.onPublish(s, principal, parsed.Publish)

		case pkt.PUBACK:
			if !s.ProcessPublishAcknowledged(mqtt.PacketID(*parsed.AckPacketID)) {
				srv.log.LogError(mqtt.ErrProtocolViolation, "PUBACK for unknown packet identifier", logger.ClientID(s.ClientIdentifier))
			}

		case pkt.PUBREC:
			if !s.ProcessPublishReceived(mqtt.PacketID(*parsed.AckPacketID)) {
				srv.log.LogError(mqtt.ErrProtocolViolation, "PUBREC for unknown packet identifier", logger.ClientID(s.ClientIdentifier))
			}

		case pkt.PUBREL:
			pid := mqtt.PacketID(*parsed.AckPacketID)
			if msg, ok := s.ProcessPublishRelease(pid); ok {
				if err := srv.broker.PublishUpstream(principal, msg); err != nil {
					srv.log.LogError(err, "publish denied", logger.ClientID(s.ClientIdentifier))
				}
			}

		case pkt.PUBCOMP:
			if !s.ProcessPublishComplete(mqtt.PacketID(*parsed.AckPacketID)) {
				srv.log.LogError(mqtt.ErrProtocolViolation, "PUBCOMP for unknown packet identifier", logger.ClientID(s.ClientIdentifier))
			}

		case pkt.SUBSCRIBE:
			srv.onSubscribe(s, principal, parsed.Subscribe)

		case pkt.UNSUBSCRIBE:
			filters := make([]mqtt.TopicFilter, len(parsed.Unsubscribe.TopicFilters))
			for i, f := range parsed.Unsubscribe.TopicFilters {
				filters[i] = mqtt.TopicFilter(f)
			}
			srv.broker.Unsubscribe(s, mqtt.PacketID(parsed.Unsubscribe.PacketID), filters)

		case pkt.PINGREQ:
			// handled directly: PINGRESP needs no session state (spec §6).

		case pkt.DISCONNECT:
			s.ClearWill()
			return

		default:
			srv.log.LogError(er.ErrInvalidPacketType, "unhandled packet type", logger.String("remote_addr", remote))
			return
		}

		if parsed.Type == pkt.PINGREQ {
			if _, err := conn.Write(pkt.CreatePingresp().Encode()); err != nil {
				return
			}
		}
	}
}

func (srv *TCPServer) onPublish(s *session.Session, principal *mqtt.Principal, p *pkt.PublishPacket) {
	msg := mqtt.Message{Topic: p.Topic, QoS: mqtt.QoS(p.QoS), Retain: p.Retain, Payload: p.Payload}
	srv.log.LogPublish(s.ClientIdentifier, msg.Topic, int(msg.QoS), msg.Retain, len(msg.Payload))

	var pid mqtt.PacketID
	if p.PacketID != nil {
		pid = mqtt.PacketID(*p.PacketID)
	}

	readyToPublish := s.ProcessPublish(pid, p.DUP, msg)
	if !readyToPublish {
		// QoS 2: deferred to PUBREL.
		return
	}
	if err := srv.broker.PublishUpstream(principal, msg); err != nil {
		srv.log.LogError(err, "publish denied", logger.ClientID(s.ClientIdentifier))
	}
}

func (srv *TCPServer) onSubscribe(s *session.Session, principal *mqtt.Principal, p *pkt.SubscribePacket) {
	requests := make([]session.FilterQoS, len(p.Filters))
	for i, f := range p.Filters {
		requests[i] = session.FilterQoS{Filter: mqtt.TopicFilter(f.Topic), QoS: mqtt.QoS(f.QoS)}
		srv.log.LogSubscription(s.ClientIdentifier, f.Topic, int(f.QoS), "subscribe")
	}
	srv.broker.Subscribe(s, principal, mqtt.PacketID(p.PacketID), requests)
}

// publishWillIfAny fans the session's will message downstream on an
// ungracious disconnect (spec glossary: "published... on ungraceful
// connection loss"). A graceful DISCONNECT clears the will first.
func (srv *TCPServer) publishWillIfAny(s *session.Session) {
	if will, ok := s.Will(); ok {
		srv.broker.PublishDownstream(will)
	}
}

// writeLoop drains s's output queues and writes each ServerPacket to conn
// until ctx is cancelled (session displaced or owner cancelled on a hard
// queue overflow).
func (srv *TCPServer) writeLoop(ctx context.Context, conn net.Conn, s *session.Session, done chan struct{}) {
	defer close(done)
	for {
		pkts := s.Dequeue(ctx)
		if pkts == nil {
			return
		}
		for _, p := range pkts {
			if err := writeServerPacket(conn, p); err != nil {
				srv.log.LogError(err, "write error", logger.ClientID(s.ClientIdentifier))
				return
			}
		}
	}
}

func writeServerPacket(conn net.Conn, p session.ServerPacket) error {
	switch v := p.(type) {
	case session.ServerPublish:
		return writePublish(conn, v)
	case session.ServerPublishAcknowledged:
		_, err := conn.Write(pkt.NewPubAck(uint16(v.PacketID)))
		return err
	case session.ServerPublishReceived:
		_, err := conn.Write(pkt.NewPubRec(uint16(v.PacketID)))
		return err
	case session.ServerPublishRelease:
		_, err := conn.Write(pkt.NewPubRel(uint16(v.PacketID)))
		return err
	case session.ServerPublishComplete:
		_, err := conn.Write(pkt.NewPubComp(uint16(v.PacketID)))
		return err
	case session.ServerSubscribeAcknowledged:
		granted := make([]bool, len(v.Results))
		qos := make([]pkt.QoSLevel, len(v.Results))
		for i, g := range v.Results {
			granted[i] = g.Granted
			qos[i] = pkt.QoSLevel(g.QoS)
		}
		_, err := conn.Write(pkt.NewSubAck(uint16(v.PacketID), granted, qos).Encode())
		return err
	case session.ServerUnsubscribeAcknowledged:
		_, err := conn.Write((&pkt.UnsubackPacket{PacketID: uint16(v.PacketID)}).Encode())
		return err
	default:
		return fmt.Errorf("transport: unhandled server packet %T", p)
	}
}

func writePublish(conn net.Conn, v session.ServerPublish) error {
	raw := encodePublish(v)
	_, err := conn.Write(raw)
	return err
}

// encodePublish builds a PUBLISH frame. internal/packet's PublishPacket
// type only ever decodes an inbound PUBLISH; the broker's session output
// is built here, mirroring the wire layout that type documents.
func encodePublish(v session.ServerPublish) []byte {
	flags := byte(v.Message.QoS) << 1
	if v.Duplicate {
		flags |= 0x08
	}
	if v.Message.Retain {
		flags |= 0x01
	}

	var variable []byte
	variable = appendMQTTString(variable, v.Message.Topic)
	if v.Message.QoS != mqtt.QoS0 {
		variable = append(variable, byte(v.PacketID>>8), byte(v.PacketID&0xFF))
	}
	variable = append(variable, v.Message.Payload...)

	out := []byte{0x10 | flags}
	out = append(out, putils.EncodeRemainingLength(len(variable))...)
	out = append(out, variable...)
	return out
}

func appendMQTTString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)>>8), byte(len(s)&0xFF))
	return append(buf, s...)
}

// readPacket reads one complete MQTT frame (fixed header + remaining
// length + variable header/payload) off reader.
func readPacket(reader *bufio.Reader) ([]byte, error) {
	fixedHeaderByte, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	remLenOffset := 0
	remainingLength := 0
	multiplier := 1

	for {
		if remLenOffset >= len(remLenBuf) {
			return nil, &er.Err{Context: "readPacket", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[remLenOffset] = b
		remLenOffset++
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if (b & 0x80) == 0 {
			break
		}
	}

	totalPacketSize := 1 + remLenOffset + remainingLength
	rawPacket := make([]byte, totalPacketSize)
	rawPacket[0] = fixedHeaderByte
	copy(rawPacket[1:1+remLenOffset], remLenBuf[:remLenOffset])

	if _, err := io.ReadFull(reader, rawPacket[1+remLenOffset:]); err != nil {
		return nil, err
	}
	return rawPacket, nil
}

func (srv *TCPServer) sendAndClose(conn net.Conn, ack []byte) {
	if len(ack) > 0 {
		if _, err := conn.Write(ack); err != nil {
			srv.log.LogError(err, "failed to send ack")
		}
	}
	conn.Close()
}

func connackCodeForError(err error) mqtt.ConnackCode {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return mqtt.UnacceptableProtocolVersion
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return mqtt.IdentifierRejected
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return mqtt.BadUsernameOrPassword
	default:
		return mqtt.ServerUnavailable
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
