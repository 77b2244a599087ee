package session

import "github.com/pyr33x/goqtt/internal/mqtt"

// ProcessPublish handles an inbound PUBLISH. QoS 0 carries no
// acknowledgement and is always ready for downstream fan-out. QoS 1 is the
// one-phase path: it PUBACKs immediately and is ready for fan-out. QoS 2 is
// two-phase: it PUBRECs (idempotently, by packet identifier) and defers
// fan-out to ProcessPublishRelease. Callers (the transport) hand the
// message to Broker.PublishUpstream, which applies publishPermissions
// before PublishDownstream, only when readyToPublish is true.
func (s *Session) ProcessPublish(pid mqtt.PacketID, dup bool, msg mqtt.Message) (readyToPublish bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.QoS {
	case mqtt.QoS1:
		s.enqueueControlLocked(ServerPublishAcknowledged{PacketID: pid})
		return true
	case mqtt.QoS2:
		if _, exists := s.inboundQoS2[pid]; !exists {
			s.inboundQoS2[pid] = msg
		}
		s.enqueueControlLocked(ServerPublishReceived{PacketID: pid})
		return false
	default:
		return true
	}
}

// ProcessPublishAcknowledged handles a PUBACK for our own QoS 1 outbound
// publish: it clears the in-flight register and returns the packet
// identifier to the free pool. ok is false when pid was not awaiting
// acknowledgement — a PUBACK for an unknown pid is a ProtocolViolation
// (spec §7); the caller (the transport layer) decides whether and how to
// log it, since Session itself has no logger.
func (s *Session) ProcessPublishAcknowledged(pid mqtt.PacketID) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.unacknowledged {
		if e.pid == pid {
			s.unacknowledged = append(s.unacknowledged[:i], s.unacknowledged[i+1:]...)
			s.releasePID(pid)
			return true
		}
	}
	return false
}

// ProcessPublishReceived handles a PUBREC for our own QoS 2 outbound
// publish: it moves the pid from unreleased to released and emits the
// PUBREL control packet. ok is false when pid was not awaiting a PUBREC —
// a ProtocolViolation (spec §7).
func (s *Session) ProcessPublishReceived(pid mqtt.PacketID) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.unreleased {
		if e.pid == pid {
			s.unreleased = append(s.unreleased[:i], s.unreleased[i+1:]...)
			s.released = append(s.released, pid)
			s.enqueueControlLocked(ServerPublishRelease{PacketID: pid})
			return true
		}
	}
	return false
}

// ProcessPublishRelease handles a PUBREL for a QoS 2 message we received:
// it removes the pid from the inbound register (if present), always emits
// PUBCOMP (MQTT 3.1.1 requires acknowledging PUBREL even for an unknown
// pid), and returns the originally received message for downstream
// fan-out. ok is false when the pid was not pending release, in which case
// there is nothing to publish.
func (s *Session) ProcessPublishRelease(pid mqtt.PacketID) (msg mqtt.Message, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok = s.inboundQoS2[pid]
	if ok {
		delete(s.inboundQoS2, pid)
	}
	s.enqueueControlLocked(ServerPublishComplete{PacketID: pid})
	return msg, ok
}

// ProcessPublishComplete handles a PUBCOMP for our own QoS 2 outbound
// publish: it clears the released register and returns the pid to the
// free pool. ok is false when pid was not pending completion — a
// ProtocolViolation (spec §7).
func (s *Session) ProcessPublishComplete(pid mqtt.PacketID) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.released {
		if p == pid {
			s.released = append(s.released[:i], s.released[i+1:]...)
			s.releasePID(pid)
			return true
		}
	}
	return false
}
