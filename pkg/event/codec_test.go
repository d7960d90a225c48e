package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/ids"
)

func newTestEvent(t *testing.T) *Event {
	t.Helper()
	return &Event{
		ID:            ids.New(),
		ParentIDs:     []ids.ID{ids.New()},
		Kind:          KindArtifactCreated,
		Tenant:        ids.TenantID("tenant-a"),
		AuthorAgentID: ids.New(),
		MonotonicSeq:  42,
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
		Payload:       []byte(`{"hello":"world"}`),
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()
	e := newTestEvent(t)

	buf, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.ParentIDs, got.ParentIDs)
	assert.Equal(t, e.Kind, got.Kind)
	assert.Equal(t, e.Tenant, got.Tenant)
	assert.Equal(t, e.AuthorAgentID, got.AuthorAgentID)
	assert.Equal(t, e.MonotonicSeq, got.MonotonicSeq)
	assert.Equal(t, e.Timestamp.UnixNano(), got.Timestamp.UnixNano())
	assert.Equal(t, e.Payload, got.Payload)
	assert.Equal(t, e.PayloadHash, got.PayloadHash)
	assert.Equal(t, e.ChainHash, got.ChainHash)
}

func TestEncode_RejectsTooManyParents(t *testing.T) {
	t.Parallel()
	e := newTestEvent(t)
	e.ParentIDs = make([]ids.ID, MaxParents+1)
	for i := range e.ParentIDs {
		e.ParentIDs[i] = ids.New()
	}

	_, err := Encode(e)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreMalformed, sserr.GetCode(err))
}

func TestEncode_RejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	e := newTestEvent(t)
	e.Payload = make([]byte, MaxPayloadBytes+1)

	_, err := Encode(e)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreEncodingTooLarge, sserr.GetCode(err))
}

func TestEncode_RejectsUnknownKind(t *testing.T) {
	t.Parallel()
	e := newTestEvent(t)
	e.Kind = Kind(0x9999)

	_, err := Encode(e)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreUnknownKind, sserr.GetCode(err))
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	t.Parallel()
	e := newTestEvent(t)
	buf, err := Encode(e)
	require.NoError(t, err)

	buf[0] ^= 0xFF

	_, err = Decode(buf)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreMalformed, sserr.GetCode(err))
}

func TestDecode_RejectsTruncatedBuffer(t *testing.T) {
	t.Parallel()
	e := newTestEvent(t)
	buf, err := Encode(e)
	require.NoError(t, err)

	_, err = Decode(buf[:len(buf)-1])
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreMalformed, sserr.GetCode(err))
}

func TestDecode_DetectsPayloadTamper(t *testing.T) {
	t.Parallel()
	e := newTestEvent(t)
	buf, err := Encode(e)
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xFF

	_, err = Decode(buf)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreCorruption, sserr.GetCode(err))
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	t.Parallel()
	e := newTestEvent(t)
	e.Chain()

	err := VerifyChain(e, [hashSize]byte{1})
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreCorruption, sserr.GetCode(err))
}

func TestVerifyChain_AcceptsValidLink(t *testing.T) {
	t.Parallel()
	e := newTestEvent(t)
	var prev [hashSize]byte
	e.PrevChainHash = prev
	e.Chain()

	err := VerifyChain(e, prev)
	require.NoError(t, err)
}

func TestChain_DifferentPrevProducesDifferentHash(t *testing.T) {
	t.Parallel()
	e1 := newTestEvent(t)
	e2 := *e1
	e2.PrevChainHash = [hashSize]byte{9, 9, 9}

	h1 := e1.Chain()
	h2 := e2.Chain()

	assert.NotEqual(t, h1, h2)
}

func TestKind_KnownAndFamily(t *testing.T) {
	t.Parallel()
	assert.True(t, KindArtifactCreated.Known())
	assert.Equal(t, FamilyArtifact, KindArtifactCreated.Family())
	assert.False(t, Kind(0xABCD).Known())
}
