// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

// ReasonCode is an MQTT 5 reason code. The core surfaces these to the codec
// collaborator; for 3.1/3.1.1 sessions the collaborator maps them onto the
// closest v3 CONNACK return code or a plain socket close.
type ReasonCode byte

const (
	ReasonSuccess              ReasonCode = 0x00
	ReasonNoMatchingSubs       ReasonCode = 0x10
	ReasonUnspecifiedError     ReasonCode = 0x80
	ReasonMalformedPacket      ReasonCode = 0x81
	ReasonProtocolError        ReasonCode = 0x82
	ReasonNotAuthorized        ReasonCode = 0x87
	ReasonServerBusy           ReasonCode = 0x89
	ReasonKeepAliveTimeout     ReasonCode = 0x8D
	ReasonSessionTakenOver     ReasonCode = 0x8E
	ReasonTopicFilterInvalid   ReasonCode = 0x8F
	ReasonTopicNameInvalid     ReasonCode = 0x90
	ReasonPacketIDInUse        ReasonCode = 0x91
	ReasonPacketIDNotFound     ReasonCode = 0x92
	ReasonReceiveMaxExceeded   ReasonCode = 0x93
	ReasonAdministrativeAction ReasonCode = 0x98
	ReasonQuotaExceeded        ReasonCode = 0x97
	ReasonQoSNotSupported      ReasonCode = 0x9B
)

// DisconnectCause classifies why a session left the connected state. The will
// message is published for every cause except CauseClean.
type DisconnectCause int

const (
	// CauseClean is a client DISCONNECT with normal semantics (no will).
	CauseClean DisconnectCause = iota
	// CauseSocket is a socket error or EOF.
	CauseSocket
	// CauseKeepAlive is a keepalive expiry (no byte in 1.5x the interval).
	CauseKeepAlive
	// CauseProtocol is a protocol violation by the client.
	CauseProtocol
	// CauseTakeover is displacement by a new connection with the same client ID.
	CauseTakeover
	// CauseKick is an administrative disconnect.
	CauseKick
	// CauseInflightExpired is an unacked inflight message exhausting its retries.
	CauseInflightExpired
	// CauseQueueOverflow is the queue overflow policy set to disconnect.
	CauseQueueOverflow
	// CauseShutdown is node shutdown.
	CauseShutdown
)

func (c DisconnectCause) String() string {
	switch c {
	case CauseClean:
		return "clean"
	case CauseSocket:
		return "socket_error"
	case CauseKeepAlive:
		return "keepalive_timeout"
	case CauseProtocol:
		return "protocol_error"
	case CauseTakeover:
		return "session_takeover"
	case CauseKick:
		return "kicked"
	case CauseInflightExpired:
		return "inflight_expired"
	case CauseQueueOverflow:
		return "queue_overflow"
	case CauseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Reason maps a disconnect cause to the MQTT 5 reason code sent in the
// outbound DISCONNECT, if any.
func (c DisconnectCause) Reason() ReasonCode {
	switch c {
	case CauseKeepAlive:
		return ReasonKeepAliveTimeout
	case CauseProtocol:
		return ReasonProtocolError
	case CauseTakeover:
		return ReasonSessionTakenOver
	case CauseKick:
		return ReasonAdministrativeAction
	case CauseQueueOverflow:
		return ReasonQuotaExceeded
	default:
		return ReasonUnspecifiedError
	}
}

// PublishesWill reports whether the cause triggers will publication.
func (c DisconnectCause) PublishesWill() bool {
	return c != CauseClean
}
