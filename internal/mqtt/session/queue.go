package session

import (
	"context"

	"github.com/pyr33x/goqtt/internal/mqtt"
)

// Dequeue blocks until at least one output packet is available, then
// atomically returns and empties the session's current output — control
// packets first, then QoS 0, QoS 1, QoS 2 publishes in that order within
// the call (spec §9's second open question: the only constraint tests
// observe is that a subscribe-ack precedes the publishes caused by its
// retained replay, which this ordering satisfies since both are queued
// before the next Dequeue call drains them together). Returns nil if ctx
// is cancelled before any output arrives — the signal for session
// displacement or owner cancellation.
func (s *Session) Dequeue(ctx context.Context) []ServerPacket {
	for {
		s.mu.Lock()
		pkts := s.drainLocked()
		s.mu.Unlock()
		if pkts != nil {
			return pkts
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) drainLocked() []ServerPacket {
	total := len(s.control) + len(s.qos0) + len(s.qos1) + len(s.qos2)
	if total == 0 {
		return nil
	}
	out := make([]ServerPacket, 0, total)
	out = append(out, s.control...)
	for _, p := range s.qos0 {
		out = append(out, p)
	}
	for _, p := range s.qos1 {
		out = append(out, p)
	}
	for _, p := range s.qos2 {
		out = append(out, p)
	}
	s.control, s.qos0, s.qos1, s.qos2 = nil, nil, nil, nil
	return out
}

func (s *Session) enqueueControlLocked(pkt ServerPacket) {
	s.control = append(s.control, pkt)
	s.signal()
}

// EnqueueMessage appends msg to the appropriate QoS output queue at
// effective QoS min(msg.QoS, filterQoS), per spec §4.1's publishDownstream
// fan-out rule. QoS 0 silently drops the oldest queued message on overflow
// (barrel shift); QoS 1/2 report mqtt.ErrQueueOverflowHard when the queue
// is full or packet identifiers are exhausted, signalling the caller to
// terminate the session's owning task.
func (s *Session) EnqueueMessage(msg mqtt.Message, filterQoS mqtt.QoS) error {
	eff := mqtt.Min(msg.QoS, filterQoS)
	out := msg
	out.QoS = eff

	s.mu.Lock()
	defer s.mu.Unlock()

	switch eff {
	case mqtt.QoS0:
		s.qos0 = append(s.qos0, ServerPublish{PacketID: mqtt.NoPacketID, Message: out})
		if over := len(s.qos0) - s.Quota.MaxQueueSizeQoS0; over > 0 {
			s.qos0 = s.qos0[over:]
		}
	case mqtt.QoS1:
		if len(s.qos1) >= s.Quota.MaxQueueSizeQoS1 || len(s.freePIDs) == 0 {
			return mqtt.ErrQueueOverflowHard
		}
		pid := s.allocatePID()
		s.unacknowledged = append(s.unacknowledged, qos1Entry{pid: pid, msg: out})
		s.qos1 = append(s.qos1, ServerPublish{PacketID: pid, Message: out})
	case mqtt.QoS2:
		if len(s.qos2) >= s.Quota.MaxQueueSizeQoS2 || len(s.freePIDs) == 0 {
			return mqtt.ErrQueueOverflowHard
		}
		pid := s.allocatePID()
		s.unreleased = append(s.unreleased, qos2Entry{pid: pid, msg: out})
		s.qos2 = append(s.qos2, ServerPublish{PacketID: pid, Message: out})
	}
	s.signal()
	return nil
}

func (s *Session) allocatePID() mqtt.PacketID {
	pid := s.freePIDs[0]
	s.freePIDs = s.freePIDs[1:]
	return pid
}

func (s *Session) releasePID(pid mqtt.PacketID) {
	s.freePIDs = append(s.freePIDs, pid)
}

// Resume re-emits in-flight state for a persistent session that has just
// reconnected (spec §4.2 "Retransmission on reconnect"): every
// unacknowledged QoS 1 publish and unreleased QoS 2 publish is re-emitted
// with Duplicate=true at the head of its queue; every released pid
// re-emits its PUBREL at the head of the control queue. Ordering within
// each class is preserved.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.unacknowledged) > 0 {
		replay := make([]ServerPublish, 0, len(s.unacknowledged))
		for _, e := range s.unacknowledged {
			replay = append(replay, ServerPublish{PacketID: e.pid, Duplicate: true, Message: e.msg})
		}
		s.qos1 = append(replay, s.qos1...)
	}

	if len(s.unreleased) > 0 {
		replay := make([]ServerPublish, 0, len(s.unreleased))
		for _, e := range s.unreleased {
			replay = append(replay, ServerPublish{PacketID: e.pid, Duplicate: true, Message: e.msg})
		}
		s.qos2 = append(replay, s.qos2...)
	}

	if len(s.released) > 0 {
		replay := make([]ServerPacket, 0, len(s.released))
		for _, pid := range s.released {
			replay = append(replay, ServerPublishRelease{PacketID: pid})
		}
		s.control = append(replay, s.control...)
	}

	if len(s.control)+len(s.qos0)+len(s.qos1)+len(s.qos2) > 0 {
		s.signal()
	}
}
