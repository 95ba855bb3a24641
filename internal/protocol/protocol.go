// Package protocol implements the relay's control-plane wire format: the
// pairing request that joins two peers under a shared session secret, and
// the liveness probe that lets a caller detect a running relay without
// establishing a pair.
package protocol

import "bytes"

// Command prefixes. Every control message starts with one of these
// two-byte prefixes; anything else is not a control message at all.
var (
	// CmdEstablish marks a pairing request.
	CmdEstablish = [2]byte{0xFF, 0x05}

	// CmdPing marks a liveness probe.
	CmdPing = [2]byte{0xFF, 0x15}

	// CmdPong marks a liveness probe reply.
	CmdPong = [2]byte{0xFF, 0x16}
)

// MinSecretLen is the recommended minimum session-secret length. It is a
// hardening recommendation (not a source-observed behavior): short secrets
// are easy to guess and defeat the only isolation this relay offers between
// unrelated pairs.
const MinSecretLen = 8

// pairingHeaderSize is the number of fixed-size bytes before the variable
// PSK and secret fields: 2 command bytes, 1 PSK-length byte, 1 secret-length
// byte.
const pairingHeaderSize = 4

// PairingRequest is a parsed, not-yet-authenticated pairing request.
//
// Wire layout:
//
//	+--------+--------+----+----+---------+-------------------+
//	| 0xFF   | 0x05   |  P |  S |  PSK[P] | SessionSecret[S]   |
//	+--------+--------+----+----+---------+-------------------+
//
// P and S are unsigned 8-bit lengths. The payload must be at least
// 4+P+S bytes; any trailing bytes are ignored.
type PairingRequest struct {
	PSK    []byte
	Secret []byte
}

// ParsePairingRequest parses payload as a pairing request. It returns
// ok=false for any malformed input: too short, wrong command prefix, or a
// declared length that the payload doesn't actually contain. Parsing never
// inspects the PSK's value — that is Authenticate's job — so a parse
// failure carries no information about whether a PSK would have matched.
func ParsePairingRequest(payload []byte) (req PairingRequest, ok bool) {
	if len(payload) < pairingHeaderSize {
		return PairingRequest{}, false
	}
	if payload[0] != CmdEstablish[0] || payload[1] != CmdEstablish[1] {
		return PairingRequest{}, false
	}

	pskLen := int(payload[2])
	secretLen := int(payload[3])
	secretStart := pairingHeaderSize + pskLen
	secretEnd := secretStart + secretLen

	if len(payload) < secretEnd {
		return PairingRequest{}, false
	}

	return PairingRequest{
		PSK:    payload[pairingHeaderSize:secretStart],
		Secret: payload[secretStart:secretEnd],
	}, true
}

// Authenticate reports whether req carries the configured PSK and a
// non-empty session secret. A zero-length secret is rejected: it cannot
// uniquely identify a pair (spec §6).
func (r PairingRequest) Authenticate(psk []byte) bool {
	if len(r.Secret) == 0 {
		return false
	}
	return bytes.Equal(r.PSK, psk)
}

// IsPing reports whether payload is a liveness probe.
func IsPing(payload []byte) bool {
	return len(payload) >= 2 && payload[0] == CmdPing[0] && payload[1] == CmdPing[1]
}

// EncodePong builds the reply to a liveness probe.
func EncodePong() []byte {
	return []byte{CmdPong[0], CmdPong[1]}
}
