package errorsx

import "errors"

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonMediaAccessDenied ReasonCode = "media_access_denied"
	ReasonConnection        ReasonCode = "connection_failure"
	ReasonTransport         ReasonCode = "transport_error"
	ReasonTransportSend     ReasonCode = "transport_send"
	ReasonCloseFailure      ReasonCode = "close_failure"

	ReasonMalformedPayload ReasonCode = "malformed_payload"
	ReasonInvalidAudioData ReasonCode = "invalid_audio_data"

	ReasonRateLimit   ReasonCode = "rate_limit"
	ReasonCircuitOpen ReasonCode = "circuit_open"

	ReasonConfigInvalid ReasonCode = "config_invalid"
)

// Sentinels usable with errors.Is; a ReasonedError matches the sentinel of its reason.
var (
	ErrMediaAccessDenied = errors.New(string(ReasonMediaAccessDenied))
	ErrConnection        = errors.New(string(ReasonConnection))
	ErrTransport         = errors.New(string(ReasonTransport))
	ErrCloseFailure      = errors.New(string(ReasonCloseFailure))
	ErrMalformedPayload  = errors.New(string(ReasonMalformedPayload))
	ErrInvalidAudioData  = errors.New(string(ReasonInvalidAudioData))
	ErrCircuitOpen       = errors.New(string(ReasonCircuitOpen))
	ErrConfigInvalid     = errors.New(string(ReasonConfigInvalid))
)

var sentinels = map[ReasonCode]error{
	ReasonMediaAccessDenied: ErrMediaAccessDenied,
	ReasonConnection:        ErrConnection,
	ReasonTransport:         ErrTransport,
	ReasonCloseFailure:      ErrCloseFailure,
	ReasonMalformedPayload:  ErrMalformedPayload,
	ReasonInvalidAudioData:  ErrInvalidAudioData,
	ReasonCircuitOpen:       ErrCircuitOpen,
	ReasonConfigInvalid:     ErrConfigInvalid,
}
