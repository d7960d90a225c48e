// Package pgcold is an optional cold-storage backend for the hybrid event
// DAG store: instead of (or in addition to) bbolt's own cold bucket,
// migrated events can be archived into Postgres via [*postgres.Client],
// sharing a cluster's existing database rather than requiring a dedicated
// file per CALIBER deployment. It implements [hybrid.ColdArchive].
package pgcold

import (
	"context"

	"github.com/caliberdev/caliber/pkg/clients/postgres"
	sserr "github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/ids"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS caliber_cold_events (
	tenant       TEXT NOT NULL,
	seq          BIGINT NOT NULL,
	event_id     TEXT NOT NULL,
	encoded      BYTEA NOT NULL,
	PRIMARY KEY (tenant, seq)
)`

// Archive writes migrated events into a shared Postgres table, keyed by
// (tenant, seq). Rows store the full canonical [event.Encode] wire bytes,
// so decode logic never needs a Postgres-specific path.
type Archive struct {
	client *postgres.Client
}

// New wraps an existing [*postgres.Client] as a cold archive. Callers are
// responsible for the client's lifecycle (Close).
func New(client *postgres.Client) *Archive {
	return &Archive{client: client}
}

// EnsureSchema creates the backing table if it does not already exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.client.Exec(ctx, createTableSQL); err != nil {
		return sserr.Wrap(err, sserr.CodeInternalDatabase, "pgcold: failed to create cold events table")
	}
	return nil
}

// Put archives e under (tenant, seq).
func (a *Archive) Put(ctx context.Context, tenant ids.TenantID, e *event.Event) error {
	buf, err := event.Encode(e)
	if err != nil {
		return err
	}
	_, err = a.client.Exec(ctx,
		`INSERT INTO caliber_cold_events (tenant, seq, event_id, encoded)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant, seq) DO NOTHING`,
		string(tenant), e.MonotonicSeq, e.ID.String(), buf)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternalDatabase, "pgcold: failed to archive event")
	}
	return nil
}

// Scan returns archived events for tenant with seq in [fromSeq, toSeq).
func (a *Archive) Scan(ctx context.Context, tenant ids.TenantID, fromSeq, toSeq uint64) ([]*event.Event, error) {
	query := `SELECT encoded FROM caliber_cold_events
	          WHERE tenant = $1 AND seq >= $2 AND ($3 = 0 OR seq < $3)
	          ORDER BY seq ASC`
	rows, err := a.client.Query(ctx, query, string(tenant), fromSeq, toSeq)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "pgcold: failed to scan archived events")
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var encoded []byte
		if err := rows.Scan(&encoded); err != nil {
			return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "pgcold: failed to scan row")
		}
		e, err := event.Decode(encoded)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "pgcold: row iteration failed")
	}
	return out, nil
}
