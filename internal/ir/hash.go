package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainCheckpoint  = "ledgerflow/checkpoint/v1"
	DomainMessage     = "ledgerflow/message/v1"
	DomainSession     = "ledgerflow/session/v1"
	DomainTransaction = "ledgerflow/transaction/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// hashParts hashes length-prefixed parts so that ("ab", "c") and ("a", "bc")
// never collide.
func hashParts(domain string, parts ...[]byte) string {
	var data []byte
	for _, p := range parts {
		data = strconv.AppendInt(data, int64(len(p)), 10)
		data = append(data, ':')
		data = append(data, p...)
	}
	return hashWithDomain(domain, data)
}

// CheckpointID computes the content identity of a checkpoint over every
// logical field.
func CheckpointID(c Checkpoint) string {
	return hashParts(DomainCheckpoint,
		[]byte(c.FlowID),
		c.Continuation,
		[]byte(c.AwaitingTopic),
		[]byte(c.AwaitingPayloadType),
		c.ReceivedPayload,
	)
}

// MessageID computes the id of the seq-th message sent by a flow.
// Stable across replays of the same flow segment.
func MessageID(flowID string, seq int64) string {
	return hashParts(DomainMessage, []byte(flowID), []byte(strconv.FormatInt(seq, 10)))
}

// SessionID computes the id of the session a flow frame opens with a party.
func SessionID(flowID, owner string, party Party) string {
	return hashParts(DomainSession, []byte(flowID), []byte(owner), []byte(party))
}

// ContentID hashes the canonical JSON form of v under the given domain.
// Returns error if v cannot be canonically marshaled.
func ContentID(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("content id: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}
