// Package session implements the per-client Session state machine (spec
// §4.2): subscription set, three QoS output queues plus a control queue,
// the outbound in-flight registers (unacknowledged/unreleased/released),
// the inbound QoS 2 register, and the free packet-identifier pool.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pyr33x/goqtt/internal/mqtt"
)

// ID uniquely identifies a Session within a Broker's lifetime.
type ID string

// NewID generates a fresh broker-scoped session identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// FilterQoS pairs a topic filter with a QoS, used both for subscribe
// requests and for the set of filters a session currently holds.
type FilterQoS struct {
	Filter mqtt.TopicFilter
	QoS    mqtt.QoS
}

type qos1Entry struct {
	pid mqtt.PacketID
	msg mqtt.Message
}

type qos2Entry struct {
	pid mqtt.PacketID
	msg mqtt.Message
}

// Session is the broker-side state machine for one client. All mutation
// happens under mu; Dequeue blocks on notify until output is available or
// its context is cancelled.
type Session struct {
	ID               ID
	ClientIdentifier string
	PrincipalID      string
	CleanSession     bool
	Quota            mqtt.Quota

	// Will, carried over from CONNECT; cleared on a clean reconnect
	// (spec glossary: "Will message... cleared on clean reconnection").
	WillTopic   string
	WillMessage []byte
	WillQoS     mqtt.QoS
	WillRetain  bool
	hasWill     bool

	mu     sync.Mutex
	notify chan struct{}

	subscriptions map[mqtt.TopicFilter]mqtt.QoS

	control []ServerPacket
	qos0    []ServerPublish
	qos1    []ServerPublish
	qos2    []ServerPublish

	freePIDs       []mqtt.PacketID
	unacknowledged []qos1Entry // QoS 1 outbound awaiting PUBACK, insertion order
	unreleased     []qos2Entry // QoS 2 outbound awaiting PUBREC, insertion order
	released       []mqtt.PacketID // QoS 2 outbound awaiting PUBCOMP, insertion order

	inboundQoS2 map[mqtt.PacketID]mqtt.Message // QoS 2 inbound received, not yet released

	ownerCtx    context.Context
	ownerCancel context.CancelFunc
	ownerGen    uint64
}

// New creates a fresh Session for clientID/principalID under quota. A
// freshly created session always starts with SessionPresent=false; callers
// resuming a persistent session should use Resume instead of creating a new
// one.
func New(clientID, principalID string, cleanSession bool, quota mqtt.Quota) *Session {
	free := make([]mqtt.PacketID, quota.MaxPacketIdentifiers)
	for i := range free {
		free[i] = mqtt.PacketID(i)
	}
	return &Session{
		ID:               NewID(),
		ClientIdentifier: clientID,
		PrincipalID:      principalID,
		CleanSession:     cleanSession,
		Quota:            quota,
		notify:           make(chan struct{}, 1),
		subscriptions:    make(map[mqtt.TopicFilter]mqtt.QoS),
		freePIDs:         free,
		inboundQoS2:      make(map[mqtt.PacketID]mqtt.Message),
	}
}

// SetWill records a last-will-and-testament to be cleared on the next
// clean reconnect; publishing it on ungraceful disconnect is a transport
// concern (see DESIGN.md).
func (s *Session) SetWill(topic string, message []byte, qos mqtt.QoS, retain bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillTopic, s.WillMessage, s.WillQoS, s.WillRetain = topic, message, qos, retain
	s.hasWill = true
}

// ClearWill drops any recorded will message.
func (s *Session) ClearWill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillTopic, s.WillMessage, s.hasWill = "", nil, false
}

// Will returns the recorded will message, if any.
func (s *Session) Will() (mqtt.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasWill {
		return mqtt.Message{}, false
	}
	return mqtt.Message{Topic: s.WillTopic, Payload: s.WillMessage, QoS: s.WillQoS, Retain: s.WillRetain}, true
}

// SetOwner derives a cancellable context from parent and installs it as
// the owner context for the task now draining this session, displacing
// (cancelling) whatever owner preceded it (spec §4.1 step 3 / §9
// "displacement on duplicate clientIdentifier"). The caller should use the
// returned context (or a later call to Context) for its Dequeue calls, and
// must pass the returned generation token back to ClearOwner when it is
// done owning the session. displaced reports whether a prior owner was
// actually cancelled, for callers that want to log the event.
func (s *Session) SetOwner(parent context.Context) (ctx context.Context, gen uint64, displaced bool) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	prevCancel := s.ownerCancel
	s.ownerGen++
	gen = s.ownerGen
	s.ownerCtx = ctx
	s.ownerCancel = cancel
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		displaced = true
	}
	return ctx, gen, displaced
}

// Context returns the current owner's context, or context.Background if
// the session has no owner. A task that obtained gen from SetOwner should
// prefer the context SetOwner returned directly; Context exists for code
// (onAccept callbacks) that only has the Session in hand.
func (s *Session) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerCtx == nil {
		return context.Background()
	}
	return s.ownerCtx
}

// ClearOwner releases ownership if gen still names the current owner (a
// no-op if this session has since been displaced to another owner).
func (s *Session) ClearOwner(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerGen == gen {
		s.ownerCtx, s.ownerCancel = nil, nil
	}
}

// CancelOwner forcibly cancels the current owner's context, used when a
// QoS 1/2 queue hard-overflows (spec §5/§7: a hard overflow terminates the
// session's owning task). It is a no-op if the session currently has no
// owner.
func (s *Session) CancelOwner() {
	s.mu.Lock()
	cancel := s.ownerCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// PacketIDInvariantHolds reports whether the free pool, unacknowledged,
// unreleased and released registers are pairwise disjoint and their union
// is exactly [0, MaxPacketIdentifiers) — the invariant spec §3/§8 state for
// every reachable session state. Exported for use by tests.
func (s *Session) PacketIDInvariantHolds() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[mqtt.PacketID]int, s.Quota.MaxPacketIdentifiers)
	mark := func(pid mqtt.PacketID) { seen[pid]++ }
	for _, p := range s.freePIDs {
		mark(p)
	}
	for _, e := range s.unacknowledged {
		mark(e.pid)
	}
	for _, e := range s.unreleased {
		mark(e.pid)
	}
	for _, p := range s.released {
		mark(p)
	}

	if len(seen) != s.Quota.MaxPacketIdentifiers {
		return false
	}
	for pid := mqtt.PacketID(0); int(pid) < s.Quota.MaxPacketIdentifiers; pid++ {
		if seen[pid] != 1 {
			return false
		}
	}
	return true
}

// Subscriptions returns a snapshot of the session's current filter -> QoS
// set.
func (s *Session) Subscriptions() []FilterQoS {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FilterQoS, 0, len(s.subscriptions))
	for f, q := range s.subscriptions {
		out = append(out, FilterQoS{Filter: f, QoS: q})
	}
	return out
}
