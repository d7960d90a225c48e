// Package event defines the wire format for a single entry in the event
// DAG: a fixed header, a variable-length payload, and the Blake3 chain hash
// that links it to the tenant's prior event. This is the append-only unit
// every other CALIBER package (eventdag, entity, coordination) builds on.
package event

import (
	"encoding/binary"
	"time"

	"lukechampine.com/blake3"

	sserr "github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/ids"
)

// MaxParents bounds how many parent ids a single event may declare. Most
// events have exactly one (the previous event for the entity); merges
// (e.g. conflict resolution, handoff completion folding two branches)
// may need more, but never an unbounded fan-in.
const MaxParents = 4

// MaxPayloadBytes is the largest payload a single event may carry before
// Encode refuses it with CodeStoreEncodingTooLarge. Large content (artifact
// bodies over this ceiling) is expected to be offloaded to blob storage and
// referenced by pointer, not embedded in the event.
const MaxPayloadBytes = 1 << 20 // 1 MiB

const (
	magic         uint32 = 0x43414c31 // "CAL1"
	formatVersion uint8  = 1
	hashSize             = 32 // blake3 default digest size
)

// Event is a single append-only entry in a tenant's event DAG.
type Event struct {
	ID            ids.ID
	ParentIDs     []ids.ID
	Kind          Kind
	Tenant        ids.TenantID
	AuthorAgentID ids.ID
	MonotonicSeq  uint64
	Timestamp     time.Time
	Payload       []byte

	// PayloadHash is the blake3 digest of Payload, populated by Encode and
	// verified by Decode.
	PayloadHash [hashSize]byte

	// PrevChainHash is the chain_hash of the preceding event for this
	// tenant (the zero value for the tenant's first event).
	PrevChainHash [hashSize]byte

	// ChainHash is blake3(PrevChainHash || canonical header bytes ||
	// PayloadHash), computed by Chain and verified by VerifyChain.
	ChainHash [hashSize]byte
}

// Chain computes e.ChainHash from e.PrevChainHash and the event's own
// content, and returns it. It does not mutate e.PrevChainHash — callers
// set that field before calling Chain.
func (e *Event) Chain() [hashSize]byte {
	h := blake3.New(hashSize, nil)
	h.Write(e.PrevChainHash[:])
	h.Write(headerBytesForChain(e))
	h.Write(e.PayloadHash[:])
	var out [hashSize]byte
	copy(out[:], h.Sum(nil))
	e.ChainHash = out
	return out
}

// headerBytesForChain serializes the fields that participate in the chain
// hash, in a fixed order, independent of Encode's wire layout.
func headerBytesForChain(e *Event) []byte {
	buf := make([]byte, 0, 16+MaxParents*16+2+16+16+8+8)
	buf = append(buf, e.ID[:]...)
	for _, p := range e.ParentIDs {
		buf = append(buf, p[:]...)
	}
	var kindBuf [2]byte
	binary.BigEndian.PutUint16(kindBuf[:], uint16(e.Kind))
	buf = append(buf, kindBuf[:]...)
	buf = append(buf, []byte(e.Tenant)...)
	buf = append(buf, e.AuthorAgentID[:]...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], e.MonotonicSeq)
	buf = append(buf, seqBuf[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(e.Timestamp.UnixNano()))
	buf = append(buf, tsBuf[:]...)
	return buf
}

// VerifyChain reports whether e.ChainHash is consistent with e's content
// and the supplied prevChainHash (the preceding event's chain hash). It
// does not mutate e.
func VerifyChain(e *Event, prevChainHash [hashSize]byte) error {
	want := *e
	want.PrevChainHash = prevChainHash
	got := want.Chain()
	if got != e.ChainHash {
		return sserr.New(sserr.CodeStoreCorruption, "event: chain hash mismatch").
			WithDetails(map[string]any{"event_id": e.ID.String(), "seq": e.MonotonicSeq})
	}
	return nil
}

// hashPayload computes the blake3 digest of payload.
func hashPayload(payload []byte) [hashSize]byte {
	var out [hashSize]byte
	sum := blake3.Sum256(payload)
	copy(out[:], sum[:])
	return out
}
