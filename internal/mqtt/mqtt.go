// Package mqtt holds the vocabulary shared by the topic trie, the session
// state machine and the broker coordinator: QoS levels, packet identifiers,
// the wire-agnostic Message, and the principal/quota data model that gates
// what a session is allowed to do.
package mqtt

import (
	"net"
	"net/http"
	"time"

	"github.com/pyr33x/goqtt/pkg/er"
)

// QoS is an MQTT 3.1.1 Quality-of-Service level.
type QoS uint8

const (
	QoS0 QoS = iota // at-most-once
	QoS1             // at-least-once
	QoS2             // exactly-once
)

// Min returns the lower of two QoS levels, used to downgrade a publish to
// the QoS granted by a subscription.
func Min(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// PacketID is the 16-bit correlator used by QoS 1 and QoS 2 acknowledgements.
type PacketID uint16

// NoPacketID is the sentinel used on outbound QoS 0 publishes, which carry
// no packet identifier on the wire.
const NoPacketID PacketID = 0

// Message is a decoded application message, independent of wire encoding.
// Topic never contains wildcards; it is a non-empty sequence of non-empty
// segments separated by '/'.
type Message struct {
	Topic   string
	QoS     QoS
	Retain  bool
	Payload []byte
}

// IsRetainDelete reports whether this is the delete-retained sentinel: a
// retained publish with an empty payload.
func (m Message) IsRetainDelete() bool {
	return m.Retain && len(m.Payload) == 0
}

// TopicFilter is subscription-pattern text: a sequence of segments where a
// segment may be a literal, '+' (single-level wildcard) or a terminal '#'
// (multi-level wildcard, valid only as the last segment).
type TopicFilter string

// Quota bounds the resources a single principal's sessions may consume.
type Quota struct {
	MaxIdleSessionTTL    time.Duration
	MaxPacketSize        int
	MaxPacketIdentifiers int
	MaxQueueSizeQoS0     int
	MaxQueueSizeQoS1     int
	MaxQueueSizeQoS2     int
}

// DefaultQuota is a conservative quota applied when configuration omits one.
func DefaultQuota() Quota {
	return Quota{
		MaxIdleSessionTTL:    time.Hour,
		MaxPacketSize:        256 * 1024,
		MaxPacketIdentifiers: 128,
		MaxQueueSizeQoS0:     128,
		MaxQueueSizeQoS1:     128,
		MaxQueueSizeQoS2:     128,
	}
}

// FilterSet is anything that can answer "does this topic match any filter I
// hold" — implemented by topic.Trie[struct{}] for permission sets, kept as
// an interface here to avoid a dependency from this package onto topic.
type FilterSet interface {
	MatchFilter(topicName string) bool
}

// Credentials is the username/password pair presented by a CONNECT.
type Credentials struct {
	Username string
	Password string
}

// ConnectionRequest is what the transport layer hands the broker before a
// Session exists.
type ConnectionRequest struct {
	ClientIdentifier string
	CleanSession     bool
	Secure           bool
	Credentials      *Credentials
	CertificateChain []byte // DER-encoded leaf certificate, if present
	HTTPHeaders      http.Header
	RemoteAddress    net.Addr
}

// Principal is the authenticated identity behind a connection: its quota
// and the three permission filter sets gating publish, subscribe and
// retain.
type Principal struct {
	Username             string
	Quota                Quota
	PublishPermissions   FilterSet
	SubscribePermissions FilterSet
	RetainPermissions    FilterSet
}

// Permits reports whether fs allows topicName, treating a nil set as
// "permit everything" so tests and the static authenticator can omit
// permission sets entirely.
func Permits(fs FilterSet, topicName string) bool {
	if fs == nil {
		return true
	}
	return fs.MatchFilter(topicName)
}

// ConnackCode is the CONNACK return code, reusing the teacher's own wire
// values (internal/packet/connack.go) so the transport layer's encode step
// is a direct lookup rather than a translation table.
type ConnackCode byte

const (
	ConnectionAccepted          ConnackCode = 0x00
	UnacceptableProtocolVersion ConnackCode = 0x01
	IdentifierRejected          ConnackCode = 0x02
	ServerUnavailable           ConnackCode = 0x03
	BadUsernameOrPassword       ConnackCode = 0x04
	NotAuthorized               ConnackCode = 0x05
)

// Error kinds from spec §7. Each is a sentinel so call sites can
// errors.Is against it; Err carries the offending context the way the
// teacher's pkg/er does throughout the wire codec.
var (
	ErrAuthServiceFailure = &er.Err{Context: "Auth", Message: errAuthServiceFailure}
	ErrAuthDenied         = &er.Err{Context: "Auth", Message: errAuthDenied}
	ErrPermissionDenied   = &er.Err{Context: "Permission", Message: errPermissionDenied}
	ErrQueueOverflowHard  = &er.Err{Context: "Session", Message: errQueueOverflowHard}
	ErrProtocolViolation  = &er.Err{Context: "Session", Message: errProtocolViolation}
	ErrInvalidTopicFilter = &er.Err{Context: "Topic", Message: errInvalidTopicFilter}
	ErrInvalidTopicName   = &er.Err{Context: "Topic", Message: errInvalidTopicName}
)
