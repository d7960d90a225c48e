package entity

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/eventdag"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
)

// NoteType classifies a Note's role.
type NoteType string

const (
	NoteTypeConvention NoteType = "convention"
	NoteTypeFact       NoteType = "fact"
	NoteTypeProcedure  NoteType = "procedure"
	NoteTypeMeta       NoteType = "meta"
)

// Note is the projected, read-only view of cross-trajectory long-term
// knowledge. Notes are owned by the tenant, not any single
// trajectory or scope.
type Note struct {
	ID                  ids.ID
	Tenant              ids.TenantID
	Type                NoteType
	Title               string
	Content             string
	SourceTrajectoryIDs []ids.ID
	SourceArtifactIDs   []ids.ID
	TTL                 TTL
	Embedding           []float32
	Deleted             bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Seq                 uint64
}

// CreateNoteInput is the input to [NoteStore.Create].
type CreateNoteInput struct {
	Type                NoteType
	Title               string
	Content             string
	SourceTrajectoryIDs []ids.ID
	SourceArtifactIDs   []ids.ID
	TTL                 TTL
	Embedding           []float32
}

type noteCreatedPayload struct {
	EntityID            ids.ID        `json:"entity_id"`
	Type                NoteType      `json:"type"`
	Title               string        `json:"title"`
	Content             string        `json:"content"`
	SourceTrajectoryIDs []ids.ID      `json:"source_trajectory_ids,omitempty"`
	SourceArtifactIDs   []ids.ID      `json:"source_artifact_ids,omitempty"`
	TTLKind             TTLKind       `json:"ttl_kind"`
	TTLDuration         time.Duration `json:"ttl_duration,omitempty"`
	Embedding           []float32     `json:"embedding,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

type noteUpdatedPayload struct {
	EntityID  ids.ID    `json:"entity_id"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type noteDeletedPayload struct {
	EntityID  ids.ID    `json:"entity_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// NoteStore projects Note entities from the event DAG.
type NoteStore struct {
	base
	cache *projectionCache[*Note]
}

// NewNoteStore returns a NoteStore backed by dag.
func NewNoteStore(dag eventdag.Store, notifier journal.Notifier, logger *slog.Logger) *NoteStore {
	return &NoteStore{
		base:  newBase(dag, notifier, logger),
		cache: newProjectionCache[*Note](notifier, event.FamilyNote),
	}
}

// Create appends a note.created event.
func (s *NoteStore) Create(ctx context.Context, tenant ids.TenantID, authorAgent ids.ID, in CreateNoteInput) (ids.ID, error) {
	if strings.TrimSpace(in.Title) == "" {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "entity: note title is required")
	}

	id := ids.New()
	payload, err := json.Marshal(noteCreatedPayload{
		EntityID:            id,
		Type:                in.Type,
		Title:               in.Title,
		Content:             in.Content,
		SourceTrajectoryIDs: in.SourceTrajectoryIDs,
		SourceArtifactIDs:   in.SourceArtifactIDs,
		TTLKind:             in.TTL.Kind,
		TTLDuration:         in.TTL.Duration,
		Embedding:           in.Embedding,
		CreatedAt:           time.Now().UTC(),
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "entity: failed to encode note.created payload")
	}

	e := &event.Event{ID: id, Kind: event.KindNoteCreated}
	stored, err := s.appendCreationEvent(ctx, tenant, authorAgent, e, payload)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// Get folds every note.* event addressed to id.
func (s *NoteStore) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*Note, error) {
	if n, ok := s.cache.get(tenant, id); ok {
		return n, nil
	}
	events, err := scanKind(ctx, s.dag, tenant, event.KindNoteCreated, event.KindNoteDeleted)
	if err != nil {
		return nil, err
	}
	n, err := foldNote(id, events)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "entity: note %s not found", id)
	}
	n.Tenant = tenant
	s.cache.put(tenant, id, n)
	return n, nil
}

func foldNote(id ids.ID, events []*event.Event) (*Note, error) {
	var n *Note
	for _, e := range events {
		switch e.Kind {
		case event.KindNoteCreated:
			var p noteCreatedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad note.created payload")
			}
			if p.EntityID != id {
				continue
			}
			n = &Note{
				ID:                  p.EntityID,
				Type:                p.Type,
				Title:               p.Title,
				Content:             p.Content,
				SourceTrajectoryIDs: p.SourceTrajectoryIDs,
				SourceArtifactIDs:   p.SourceArtifactIDs,
				TTL:                 TTL{Kind: p.TTLKind, Duration: p.TTLDuration},
				Embedding:           p.Embedding,
				CreatedAt:           p.CreatedAt,
				UpdatedAt:           p.CreatedAt,
				Seq:                 e.MonotonicSeq,
			}
		case event.KindNoteUpdated:
			if n == nil {
				continue
			}
			var p noteUpdatedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad note.updated payload")
			}
			if p.EntityID != id {
				continue
			}
			if p.Title != "" {
				n.Title = p.Title
			}
			if p.Content != "" {
				n.Content = p.Content
			}
			if p.Embedding != nil {
				n.Embedding = p.Embedding
			}
			n.UpdatedAt = p.UpdatedAt
			n.Seq = e.MonotonicSeq
		case event.KindNoteDeleted:
			if n == nil {
				continue
			}
			var p noteDeletedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad note.deleted payload")
			}
			if p.EntityID != id {
				continue
			}
			n.Deleted = true
			n.UpdatedAt = p.DeletedAt
			n.Seq = e.MonotonicSeq
		}
	}
	return n, nil
}

// List returns every non-deleted note for tenant matching filter.
func (s *NoteStore) List(ctx context.Context, tenant ids.TenantID, filter Filter, p Pagination) (Page[*Note], error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindNoteCreated, event.KindNoteDeleted)
	if err != nil {
		return Page[*Note]{}, err
	}

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range events {
		var id ids.ID
		switch e.Kind {
		case event.KindNoteCreated:
			var pl noteCreatedPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		case event.KindNoteUpdated:
			var pl noteUpdatedPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		case event.KindNoteDeleted:
			var pl noteDeletedPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		}
		if id.IsZero() {
			continue
		}
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = append(byID[id], e)
	}

	var out []*Note
	for _, id := range order {
		n, err := foldNote(id, byID[id])
		if err != nil {
			return Page[*Note]{}, err
		}
		if n == nil || n.Deleted {
			continue
		}
		n.Tenant = tenant
		if filter.Type != "" && string(n.Type) != filter.Type {
			continue
		}
		if filter.NameContains != "" && !strings.Contains(n.Title, filter.NameContains) {
			continue
		}
		out = append(out, n)
	}

	return paginate(out, func(n *Note) uint64 { return n.Seq }, p), nil
}

// Update appends a note.updated event. Unlike Artifact, Notes carry no
// versioning requirement, so updates patch in place via folding.
func (s *NoteStore) Update(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID, title, content string, embedding []float32) error {
	if _, err := s.Get(ctx, tenant, id); err != nil {
		return err
	}
	payload, err := json.Marshal(noteUpdatedPayload{
		EntityID:  id,
		Title:     title,
		Content:   content,
		Embedding: embedding,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "entity: failed to encode note.updated payload")
	}
	if _, err := s.appendEvent(ctx, tenant, event.KindNoteUpdated, authorAgent, payload); err != nil {
		return err
	}
	s.cache.invalidate(tenant, id)
	return nil
}

// Delete appends a terminal note.deleted event.
func (s *NoteStore) Delete(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID) error {
	if _, err := s.Get(ctx, tenant, id); err != nil {
		return err
	}
	payload, err := json.Marshal(noteDeletedPayload{EntityID: id, DeletedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "entity: failed to encode note.deleted payload")
	}
	if _, err := s.appendEvent(ctx, tenant, event.KindNoteDeleted, authorAgent, payload); err != nil {
		return err
	}
	s.cache.invalidate(tenant, id)
	return nil
}
