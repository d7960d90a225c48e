// Package ids provides the time-ordered 128-bit identifiers used for every
// entity CALIBER persists, and the tenant type that scopes them.
//
// IDs are constructed so that lexicographic order approximates creation
// order: a 48-bit millisecond timestamp prefix followed by 80 bits of
// cryptographically random entropy, encoded with [github.com/oklog/ulid/v2].
// This gives globally unique, sortable identifiers without a coordination
// round-trip, matching the data model's "Identifiers" requirement that IDs
// be time-ordered and collision-free within a tenant.
package ids

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	sserr "github.com/caliberdev/caliber/pkg/errors"
)

// ID is a 128-bit time-ordered identifier for a CALIBER entity (Trajectory,
// Scope, Artifact, Note, Turn, Agent, Lock, Message, Delegation, Handoff,
// Conflict) or event.
type ID ulid.ULID

// Zero is the zero-valued ID, never assigned to a real entity.
var Zero ID

// New mints a fresh, time-ordered ID using the current wall clock and a
// cryptographically random entropy source.
func New() ID {
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader))
}

// NewAt mints a time-ordered ID pinned to the given timestamp, used when
// reconstructing ids deterministically (tests, replay tooling).
func NewAt(t time.Time, entropy func([]byte) (int, error)) (ID, error) {
	if entropy == nil {
		entropy = rand.Reader.Read
	}
	u, err := ulid.New(ulid.Timestamp(t), readerFunc(entropy))
	if err != nil {
		return Zero, sserr.Wrap(err, sserr.CodeInternal, "ids: failed to mint id")
	}
	return ID(u), nil
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// Parse decodes a canonical 26-character Crockford base32 string into an ID.
func Parse(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return Zero, sserr.Wrapf(err, sserr.CodeValidationFormat, "ids: invalid id %q", s)
	}
	return ID(u), nil
}

// String returns the canonical Crockford base32 encoding of the id.
func (id ID) String() string {
	return ulid.ULID(id).String()
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == Zero
}

// Time returns the embedded creation timestamp.
func (id ID) Time() time.Time {
	return ulid.Time(ulid.ULID(id).Time())
}

// Compare orders two ids; the result follows the usual comparator
// convention (negative, zero, positive).
func Compare(a, b ID) int {
	return ulid.ULID(a).Compare(ulid.ULID(b))
}

// Less reports whether a sorts strictly before b.
func Less(a, b ID) bool {
	return Compare(a, b) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return ulid.ULID(id).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(data []byte) error {
	var u ulid.ULID
	if err := u.UnmarshalText(data); err != nil {
		return sserr.Wrapf(err, sserr.CodeValidationFormat, "ids: invalid id %q", string(data))
	}
	*id = ID(u)
	return nil
}

// Value implements driver.Valuer so an ID can be stored by a SQL-backed
// cold-store adapter (e.g. pkg/eventdag/hybrid/pgcold) without a manual
// conversion at every call site.
func (id ID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner, the reverse of Value.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return sserr.Newf(sserr.CodeValidationFormat, "ids: cannot scan %T into ID", src)
	}
}

// TenantID is the isolation boundary carried by every read and write.
// Deployments choose their own tenant naming scheme (UUID, slug, account
// id); CALIBER only requires it be non-empty and stable.
type TenantID string

// Validate reports whether t is a well-formed, non-empty tenant id.
func (t TenantID) Validate() error {
	if t == "" {
		return sserr.New(sserr.CodeValidationRequired, "ids: tenant id must not be empty")
	}
	return nil
}

// String returns the tenant id as a plain string.
func (t TenantID) String() string {
	return string(t)
}

// Scoped pairs a TenantID with an entity ID, the unit every store and
// projection API keys its lookups by: no call accepts an entity id
// without its tenant.
type Scoped struct {
	Tenant TenantID
	ID     ID
}

// String renders a human-readable "tenant/id" pair, useful for log fields
// and error details.
func (s Scoped) String() string {
	return fmt.Sprintf("%s/%s", s.Tenant, s.ID)
}
