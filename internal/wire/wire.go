// Package wire defines the ClipSync transport protocol: the tagged-union
// message types exchanged over an authenticated session, and their binary
// encoding. Adapted from the teacher daemon's message package — the shape
// (a single exported envelope type with one field set populated per
// variant) is kept; the variant list and semantics are ClipSync's own.
package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion gates backward compatibility. A Hello whose major
// version differs from ours closes the session with VersionMismatch.
const ProtocolVersion = 1

// Type identifies the kind of message carried in an Envelope.
type Type string

const (
	TypeHello         Type = "HELLO"
	TypeAuthChallenge Type = "AUTH_CHALLENGE"
	TypePing          Type = "PING"
	TypePong          Type = "PONG"
	TypeBye           Type = "BYE"
	TypeStreamStart   Type = "STREAM_START"
	TypeStreamChunk   Type = "STREAM_CHUNK"
	TypeStreamEnd     Type = "STREAM_END"
	TypeStreamAbort   Type = "STREAM_ABORT"
)

// Hello is the first message sent by either side of a new session.
type Hello struct {
	ProtocolVersion int      `json:"protocol_version"`
	PeerID          string   `json:"peer_id"`
	PublicKey       []byte   `json:"public_key"`
	Nonce           []byte   `json:"nonce"` // 32 bytes
	Capabilities    []string `json:"capabilities,omitempty"`
}

// AuthChallenge carries the signature over both nonces that proves
// possession of the private key matching the Hello's public key.
type AuthChallenge struct {
	Signature []byte `json:"signature"`
}

// Bye is sent for orderly close.
type Bye struct {
	Reason string `json:"reason"`
}

// StreamStart begins a chunked transfer of a payload too large for a
// single frame.
type StreamStart struct {
	StreamID        string `json:"stream_id"`
	TotalSize       int64  `json:"total_size"`
	ChunkCount      int    `json:"chunk_count"`
	MIMEType        string `json:"mime_type"`
	PlaintextSHA256 string `json:"plaintext_sha256"`
	OriginNode      string `json:"origin_node"`
	OriginTimestamp int64  `json:"origin_timestamp"`
}

// StreamChunk carries one ordered slice of a stream's payload bytes.
type StreamChunk struct {
	StreamID string `json:"stream_id"`
	Index    int    `json:"index"`
	Bytes    []byte `json:"bytes"`
}

// StreamEnd signals that every chunk has been sent.
type StreamEnd struct {
	StreamID string `json:"stream_id"`
}

// AbortReason classifies why a stream was aborted.
type AbortReason string

const (
	AbortOverSize         AbortReason = "over_size"
	AbortDeadlineExceeded AbortReason = "deadline_exceeded"
	AbortIntegrityFailure AbortReason = "integrity_failure"
	AbortOutOfOrder       AbortReason = "out_of_order"
)

// StreamAbort is sent by the receiver to cancel an in-flight stream.
type StreamAbort struct {
	StreamID string      `json:"stream_id"`
	Reason   AbortReason `json:"reason"`
}

// Envelope is the top-level frame written to the wire. Exactly one of the
// payload fields is populated, selected by Type.
type Envelope struct {
	Type Type `json:"type"`

	Hello         *Hello         `json:"hello,omitempty"`
	AuthChallenge *AuthChallenge `json:"auth_challenge,omitempty"`
	Bye           *Bye           `json:"bye,omitempty"`
	StreamStart   *StreamStart   `json:"stream_start,omitempty"`
	StreamChunk   *StreamChunk   `json:"stream_chunk,omitempty"`
	StreamEnd     *StreamEnd     `json:"stream_end,omitempty"`
	StreamAbort   *StreamAbort   `json:"stream_abort,omitempty"`
}

// Encode serialises the envelope to its compact binary form. JSON is used
// as the concrete encoding, matching the teacher's wire format choice;
// payload bytes inside messages are base64 via encoding/json's []byte
// handling, same trick the teacher uses to keep framing uniform.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}

// Decode deserialises an Envelope from raw bytes.
func Decode(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return &e, nil
}

func HelloMsg(h Hello) *Envelope { return &Envelope{Type: TypeHello, Hello: &h} }
func AuthChallengeMsg(a AuthChallenge) *Envelope {
	return &Envelope{Type: TypeAuthChallenge, AuthChallenge: &a}
}
func PingMsg() *Envelope { return &Envelope{Type: TypePing} }
func PongMsg() *Envelope { return &Envelope{Type: TypePong} }
func ByeMsg(reason string) *Envelope {
	return &Envelope{Type: TypeBye, Bye: &Bye{Reason: reason}}
}
func StreamStartMsg(s StreamStart) *Envelope { return &Envelope{Type: TypeStreamStart, StreamStart: &s} }
func StreamChunkMsg(c StreamChunk) *Envelope { return &Envelope{Type: TypeStreamChunk, StreamChunk: &c} }
func StreamEndMsg(streamID string) *Envelope {
	return &Envelope{Type: TypeStreamEnd, StreamEnd: &StreamEnd{StreamID: streamID}}
}
func StreamAbortMsg(streamID string, reason AbortReason) *Envelope {
	return &Envelope{Type: TypeStreamAbort, StreamAbort: &StreamAbort{StreamID: streamID, Reason: reason}}
}
