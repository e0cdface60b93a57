package mqtt

// ConnectCode is the broker's verdict on a connect attempt (CONNACK result).
type ConnectCode int

const (
	// ConnectAccepted indicates the broker accepted the connection.
	ConnectAccepted ConnectCode = 0

	// ConnectBadProtocol indicates the broker rejected the protocol version.
	ConnectBadProtocol ConnectCode = 1

	// ConnectIdentifierRejected indicates the client identifier was rejected.
	ConnectIdentifierRejected ConnectCode = 2

	// ConnectServerUnavailable indicates the broker is not accepting connections.
	ConnectServerUnavailable ConnectCode = 3

	// ConnectBadCredentials indicates a malformed user name or password.
	// For token-authenticated devices this usually means the token is
	// malformed or expired.
	ConnectBadCredentials ConnectCode = 4

	// ConnectNotAuthorized indicates the client is not authorized to connect.
	ConnectNotAuthorized ConnectCode = 5

	// ConnectUnknown indicates no CONNACK was received or the result code
	// is outside the defined range.
	ConnectUnknown ConnectCode = 6
)

// String returns the connect code name.
func (c ConnectCode) String() string {
	switch c {
	case ConnectAccepted:
		return "ACCEPTED"
	case ConnectBadProtocol:
		return "BAD_PROTOCOL"
	case ConnectIdentifierRejected:
		return "IDENTIFIER_REJECTED"
	case ConnectServerUnavailable:
		return "SERVER_UNAVAILABLE"
	case ConnectBadCredentials:
		return "BAD_CREDENTIALS"
	case ConnectNotAuthorized:
		return "NOT_AUTHORIZED"
	case ConnectUnknown:
		return "UNKNOWN_RETURN_CODE"
	default:
		return "UNKNOWN"
	}
}

// Accepted returns true if the broker accepted the connection.
func (c ConnectCode) Accepted() bool {
	return c == ConnectAccepted
}

// AuthFailure returns true for the two credential-related rejections.
// These are the codes that warrant minting a fresh token before the
// next attempt.
func (c ConnectCode) AuthFailure() bool {
	return c == ConnectBadCredentials || c == ConnectNotAuthorized
}

// ErrorCode classifies client-side protocol operation failures.
// Codes are observational: operations surface them through ErrorCode()
// accessors alongside the returned error, and they are recorded in
// captured event logs.
type ErrorCode int

const (
	// ErrorNone indicates no recorded failure.
	ErrorNone ErrorCode = 0

	// ErrorBufferTooShort indicates an inbound message exceeded the
	// configured buffer and was dropped.
	ErrorBufferTooShort ErrorCode = -1

	// ErrorConnectFailed indicates the network-level connect failed.
	ErrorConnectFailed ErrorCode = -2

	// ErrorTimeout indicates an operation exceeded its deadline.
	ErrorTimeout ErrorCode = -3

	// ErrorReadFailed indicates a network read failed.
	ErrorReadFailed ErrorCode = -4

	// ErrorWriteFailed indicates a network write failed.
	ErrorWriteFailed ErrorCode = -5

	// ErrorBadPacket indicates a missing, malformed, or unexpected packet.
	ErrorBadPacket ErrorCode = -6

	// ErrorConnectionDenied indicates the broker refused the connection;
	// ReturnCode() carries the CONNACK detail.
	ErrorConnectionDenied ErrorCode = -7

	// ErrorSubscribeFailed indicates the broker rejected a subscription.
	ErrorSubscribeFailed ErrorCode = -8

	// ErrorPingTimeout indicates a keep-alive ping went unanswered.
	ErrorPingTimeout ErrorCode = -9

	// ErrorConnectionLost indicates an established connection dropped.
	ErrorConnectionLost ErrorCode = -10

	// ErrorBackoffActive indicates a connect was declined because the
	// reconnect backoff window had not elapsed. Kept so recorded logs can
	// represent the condition; the session suppresses such attempts
	// instead of raising it.
	ErrorBackoffActive ErrorCode = -100
)

// String returns the error code label.
func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "NONE"
	case ErrorBufferTooShort:
		return "BUFFER_TOO_SHORT"
	case ErrorConnectFailed:
		return "CONNECT_FAILED"
	case ErrorTimeout:
		return "TIMEOUT"
	case ErrorReadFailed:
		return "READ_FAILED"
	case ErrorWriteFailed:
		return "WRITE_FAILED"
	case ErrorBadPacket:
		return "BAD_PACKET"
	case ErrorConnectionDenied:
		return "CONNECTION_DENIED"
	case ErrorSubscribeFailed:
		return "SUBSCRIBE_FAILED"
	case ErrorPingTimeout:
		return "PING_TIMEOUT"
	case ErrorConnectionLost:
		return "CONNECTION_LOST"
	case ErrorBackoffActive:
		return "BACKOFF_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// QoS is the MQTT quality-of-service level.
type QoS byte

const (
	// QoSAtMostOnce is fire-and-forget delivery (level 0).
	QoSAtMostOnce QoS = 0

	// QoSAtLeastOnce is acknowledged delivery (level 1).
	QoSAtLeastOnce QoS = 1

	// QoSExactlyOnce is assured delivery (level 2). The session passes the
	// level through; it does not add its own delivery guarantees on top.
	QoSExactlyOnce QoS = 2
)

// String returns the QoS level name.
func (q QoS) String() string {
	switch q {
	case QoSAtMostOnce:
		return "AT_MOST_ONCE"
	case QoSAtLeastOnce:
		return "AT_LEAST_ONCE"
	case QoSExactlyOnce:
		return "EXACTLY_ONCE"
	default:
		return "UNKNOWN"
	}
}
