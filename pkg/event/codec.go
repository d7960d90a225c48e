package event

import (
	"encoding/binary"
	"time"

	sserr "github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/ids"
)

// headerSize is the size in bytes of the fixed-layout portion of an
// encoded event, before the variable-length payload:
//
//	magic(4) version(1) id(16) parent_count(1) parents(4*16) kind(2)
//	tenant_len(2) author_agent_id(16) seq(8) timestamp(8) payload_len(4)
//	payload_hash(32) prev_chain_hash(32) chain_hash(32)
const headerSize = 4 + 1 + 16 + 1 + MaxParents*16 + 2 + 2 + 16 + 8 + 8 + 4 + hashSize + hashSize + hashSize

// Encode serializes e into its canonical wire format: a fixed header
// followed by the tenant string and the payload. Encode computes
// e.PayloadHash and e.ChainHash as a side effect (PrevChainHash must
// already be set by the caller).
func Encode(e *Event) ([]byte, error) {
	if len(e.Payload) > MaxPayloadBytes {
		return nil, sserr.Newf(sserr.CodeStoreEncodingTooLarge,
			"event: payload of %d bytes exceeds max %d", len(e.Payload), MaxPayloadBytes)
	}
	if len(e.ParentIDs) > MaxParents {
		return nil, sserr.Newf(sserr.CodeStoreMalformed,
			"event: %d parent ids exceeds max %d", len(e.ParentIDs), MaxParents)
	}
	if !e.Kind.Known() {
		return nil, sserr.Newf(sserr.CodeStoreUnknownKind, "event: unknown kind 0x%04x", uint16(e.Kind))
	}

	e.PayloadHash = hashPayload(e.Payload)
	e.Chain()

	tenant := []byte(e.Tenant)
	buf := make([]byte, headerSize+len(tenant)+len(e.Payload))
	off := 0

	binary.BigEndian.PutUint32(buf[off:], magic)
	off += 4
	buf[off] = formatVersion
	off++
	copy(buf[off:], e.ID[:])
	off += 16
	buf[off] = byte(len(e.ParentIDs))
	off++
	for i := 0; i < MaxParents; i++ {
		if i < len(e.ParentIDs) {
			copy(buf[off:], e.ParentIDs[i][:])
		}
		off += 16
	}
	binary.BigEndian.PutUint16(buf[off:], uint16(e.Kind))
	off += 2
	binary.BigEndian.PutUint16(buf[off:], uint16(len(tenant)))
	off += 2
	copy(buf[off:], e.AuthorAgentID[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:], e.MonotonicSeq)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(e.Timestamp.UnixNano()))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Payload)))
	off += 4
	copy(buf[off:], e.PayloadHash[:])
	off += hashSize
	copy(buf[off:], e.PrevChainHash[:])
	off += hashSize
	copy(buf[off:], e.ChainHash[:])
	off += hashSize

	copy(buf[off:], tenant)
	off += len(tenant)
	copy(buf[off:], e.Payload)

	return buf, nil
}

// Decode parses the canonical wire format produced by Encode. It verifies
// the magic, version, payload length, and payload hash, but does not
// verify the chain hash against a store — callers that need chain
// continuity should call VerifyChain with the preceding event's hash.
func Decode(buf []byte) (*Event, error) {
	if len(buf) < headerSize {
		return nil, sserr.New(sserr.CodeStoreMalformed, "event: buffer shorter than fixed header")
	}
	off := 0

	gotMagic := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if gotMagic != magic {
		return nil, sserr.Newf(sserr.CodeStoreMalformed, "event: bad magic 0x%08x", gotMagic)
	}
	version := buf[off]
	off++
	if version != formatVersion {
		return nil, sserr.Newf(sserr.CodeStoreMalformed, "event: unsupported format version %d", version)
	}

	e := &Event{}
	copy(e.ID[:], buf[off:off+16])
	off += 16

	parentCount := int(buf[off])
	off++
	if parentCount > MaxParents {
		return nil, sserr.Newf(sserr.CodeStoreMalformed, "event: parent_count %d exceeds max %d", parentCount, MaxParents)
	}
	parents := make([]ids.ID, 0, parentCount)
	for i := 0; i < MaxParents; i++ {
		if i < parentCount {
			var p ids.ID
			copy(p[:], buf[off:off+16])
			parents = append(parents, p)
		}
		off += 16
	}
	e.ParentIDs = parents

	e.Kind = Kind(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if !e.Kind.Known() {
		return nil, sserr.Newf(sserr.CodeStoreUnknownKind, "event: unknown kind 0x%04x", uint16(e.Kind))
	}

	tenantLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2

	copy(e.AuthorAgentID[:], buf[off:off+16])
	off += 16

	e.MonotonicSeq = binary.BigEndian.Uint64(buf[off:])
	off += 8

	nanos := binary.BigEndian.Uint64(buf[off:])
	e.Timestamp = time.Unix(0, int64(nanos)).UTC()
	off += 8

	payloadLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4

	copy(e.PayloadHash[:], buf[off:off+hashSize])
	off += hashSize
	copy(e.PrevChainHash[:], buf[off:off+hashSize])
	off += hashSize
	copy(e.ChainHash[:], buf[off:off+hashSize])
	off += hashSize

	if len(buf) != off+tenantLen+payloadLen {
		return nil, sserr.Newf(sserr.CodeStoreMalformed,
			"event: declared lengths (tenant=%d payload=%d) don't match buffer size %d", tenantLen, payloadLen, len(buf))
	}

	e.Tenant = ids.TenantID(buf[off : off+tenantLen])
	off += tenantLen
	e.Payload = append([]byte(nil), buf[off:off+payloadLen]...)

	gotHash := hashPayload(e.Payload)
	if gotHash != e.PayloadHash {
		return nil, sserr.New(sserr.CodeStoreCorruption, "event: payload hash mismatch on decode").
			WithDetail("event_id", e.ID.String())
	}

	return e, nil
}
