package mqtt

import "errors"

var (
	errAuthServiceFailure = errors.New("authenticator is unavailable")
	errAuthDenied         = errors.New("no principal for connection request")
	errPermissionDenied   = errors.New("topic filter not permitted for principal")
	errQueueOverflowHard  = errors.New("qos 1/2 output queue overflow or packet identifiers exhausted")
	errProtocolViolation  = errors.New("acknowledgement for unknown packet identifier")
	errInvalidTopicFilter = errors.New("invalid topic filter")
	errInvalidTopicName   = errors.New("invalid topic name")
)
