package session

import "github.com/pyr33x/goqtt/internal/mqtt"

// ServerPacket is the decoded, wire-agnostic "server packet surface" a
// Session produces (spec §6). The network layer type-switches on these to
// encode and write them.
type ServerPacket interface{ isServerPacket() }

// ServerPublish carries an application message downstream to a client.
// PacketID is mqtt.NoPacketID for QoS 0 publishes.
type ServerPublish struct {
	PacketID  mqtt.PacketID
	Duplicate bool
	Message   mqtt.Message
}

func (ServerPublish) isServerPacket() {}

// ServerPublishAcknowledged is a PUBACK for an inbound QoS 1 PUBLISH.
type ServerPublishAcknowledged struct{ PacketID mqtt.PacketID }

func (ServerPublishAcknowledged) isServerPacket() {}

// ServerPublishReceived is a PUBREC for an inbound QoS 2 PUBLISH.
type ServerPublishReceived struct{ PacketID mqtt.PacketID }

func (ServerPublishReceived) isServerPacket() {}

// ServerPublishRelease is a PUBREL for an outbound QoS 2 publish that has
// been PUBREC'd.
type ServerPublishRelease struct{ PacketID mqtt.PacketID }

func (ServerPublishRelease) isServerPacket() {}

// ServerPublishComplete is a PUBCOMP for an inbound QoS 2 PUBLISH release.
type ServerPublishComplete struct{ PacketID mqtt.PacketID }

func (ServerPublishComplete) isServerPacket() {}

// Grant is one entry of a SUBACK: the QoS actually granted, or Granted=false
// if the filter was denied by the principal's subscribe permissions.
type Grant struct {
	QoS     mqtt.QoS
	Granted bool
}

// ServerSubscribeAcknowledged is a SUBACK; Results has one Grant per
// requested filter, in request order.
type ServerSubscribeAcknowledged struct {
	PacketID mqtt.PacketID
	Results  []Grant
}

func (ServerSubscribeAcknowledged) isServerPacket() {}

// ServerUnsubscribeAcknowledged is an UNSUBACK.
type ServerUnsubscribeAcknowledged struct{ PacketID mqtt.PacketID }

func (ServerUnsubscribeAcknowledged) isServerPacket() {}

// ServerPingResponse is a PINGRESP, part of the produced packet surface per
// spec §6. Sessions never enqueue it — it requires no session state — and
// the transport answers PINGREQ by writing internal/packet's PINGRESP frame
// directly, without constructing this type.
type ServerPingResponse struct{}

func (ServerPingResponse) isServerPacket() {}

// ServerConnectionAcknowledged is a CONNACK. It never flows through a
// Session's queues (no session may yet exist when it is sent): the
// transport's onAccept/onReject callbacks for Broker.WithSession write
// internal/packet's CONNACK frame directly, without constructing this type.
type ServerConnectionAcknowledged struct {
	SessionPresent bool
	ReturnCode     mqtt.ConnackCode
}

func (ServerConnectionAcknowledged) isServerPacket() {}
