package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"lukechampine.com/blake3"

	"github.com/caliberdev/caliber/pkg/clients/minio"
	"github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/eventdag"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
)

// ArtifactType identifies the shape of an Artifact's content.
type ArtifactType string

const (
	ArtifactTypeCode           ArtifactType = "code"
	ArtifactTypeDocument       ArtifactType = "document"
	ArtifactTypeDecision       ArtifactType = "decision"
	ArtifactTypeErrorLog       ArtifactType = "error_log"
	ArtifactTypeCodePatch      ArtifactType = "code_patch"
	ArtifactTypeDesignDecision ArtifactType = "design_decision"
	ArtifactTypeModel          ArtifactType = "model"
	ArtifactTypeFact           ArtifactType = "fact"
)

// ExtractionMethod records how an Artifact's content was produced,
// and doubles as its priority tier in the context assembler:
// Explicit ranks above Inferred, which ranks above Summarized.
type ExtractionMethod string

const (
	ExtractionExplicit   ExtractionMethod = "explicit"
	ExtractionInferred   ExtractionMethod = "inferred"
	ExtractionSummarized ExtractionMethod = "summarized"
)

// Priority returns the context-assembler priority tier for m: lower is
// higher priority. Unrecognized methods sort last.
func (m ExtractionMethod) Priority() int {
	switch m {
	case ExtractionExplicit:
		return 0
	case ExtractionInferred:
		return 1
	case ExtractionSummarized:
		return 2
	default:
		return 3
	}
}

// TTLKind classifies an Artifact's retention policy.
type TTLKind string

const (
	TTLPersistent TTLKind = "persistent"
	TTLEphemeral  TTLKind = "ephemeral"
	TTLDuration   TTLKind = "duration"
)

// TTL is an Artifact's retention policy: Persistent and Ephemeral ignore
// Duration; TTLDuration uses it.
type TTL struct {
	Kind     TTLKind
	Duration time.Duration
}

// inlineContentCeiling is the content size above which Artifact bytes are
// offloaded to MinIO rather than inlined in the event payload, keeping
// individual events well under [event.MaxPayloadBytes].
const inlineContentCeiling = 64 * 1024 // 64 KiB

// Artifact is the projected, read-only view of a typed extracted output
// that persists across scope closure. Content is immutable once
// written: [ArtifactStore.Update] always produces a new version rather
// than mutating bytes in place.
type Artifact struct {
	ID               ids.ID
	Tenant           ids.TenantID
	TrajectoryID     ids.ID
	ScopeID          ids.ID
	Type             ArtifactType
	Name             string
	Content          []byte
	SourceTurn       *ids.ID
	ExtractionMethod ExtractionMethod
	TTL              TTL
	Embedding        []float32
	Checksum         [32]byte
	Version          int
	SupersededBy     *ids.ID
	Deleted          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Seq              uint64
}

// CreateArtifactInput is the input to [ArtifactStore.Create].
type CreateArtifactInput struct {
	TrajectoryID     ids.ID
	ScopeID          ids.ID
	Type             ArtifactType
	Name             string
	Content          []byte
	SourceTurn       *ids.ID
	ExtractionMethod ExtractionMethod
	TTL              TTL
	Embedding        []float32
}

type artifactContentRef struct {
	Inline []byte `json:"inline,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Object string `json:"object,omitempty"`
}

type artifactPayload struct {
	EntityID         ids.ID             `json:"entity_id"`
	TrajectoryID     ids.ID             `json:"trajectory_id"`
	ScopeID          ids.ID             `json:"scope_id"`
	Type             ArtifactType       `json:"type"`
	Name             string             `json:"name"`
	ContentRef       artifactContentRef `json:"content_ref"`
	Checksum         [32]byte           `json:"checksum"`
	SourceTurn       *ids.ID            `json:"source_turn,omitempty"`
	ExtractionMethod ExtractionMethod   `json:"extraction_method"`
	TTLKind          TTLKind            `json:"ttl_kind"`
	TTLDuration      time.Duration      `json:"ttl_duration,omitempty"`
	Embedding        []float32          `json:"embedding,omitempty"`
	Version          int                `json:"version"`
	Supersedes       *ids.ID            `json:"supersedes,omitempty"`
	At               time.Time          `json:"at"`
}

type artifactDeletedPayload struct {
	EntityID  ids.ID    `json:"entity_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// ArtifactStore projects Artifact entities from the event DAG, offloading
// large content to MinIO and keeping small content inline.
type ArtifactStore struct {
	base
	cache  *projectionCache[*Artifact]
	blobs  *minio.Client
	bucket string
}

// NewArtifactStore returns an ArtifactStore backed by dag. blobs may be
// nil, in which case content is always inlined regardless of size (the
// [inlineContentCeiling] is only enforced when an offload target exists).
func NewArtifactStore(dag eventdag.Store, notifier journal.Notifier, blobs *minio.Client, bucket string, logger *slog.Logger) *ArtifactStore {
	if bucket == "" {
		bucket = "caliber-artifacts"
	}
	return &ArtifactStore{
		base:   newBase(dag, notifier, logger),
		cache:  newProjectionCache[*Artifact](notifier, event.FamilyArtifact),
		blobs:  blobs,
		bucket: bucket,
	}
}

// objectKey names the MinIO object for one (tenant, artifact, version)
// tuple.
func objectKey(tenant ids.TenantID, artifactID ids.ID, version int) string {
	return fmt.Sprintf("%s/%s/v%d", tenant.String(), artifactID.String(), version)
}

func checksumOf(content []byte) [32]byte {
	var out [32]byte
	sum := blake3.Sum256(content)
	copy(out[:], sum[:])
	return out
}

func (s *ArtifactStore) storeContent(ctx context.Context, tenant ids.TenantID, id ids.ID, version int, content []byte) (artifactContentRef, error) {
	if s.blobs == nil || len(content) <= inlineContentCeiling {
		return artifactContentRef{Inline: content}, nil
	}
	key := objectKey(tenant, id, version)
	_, err := s.blobs.PutObject(ctx, s.bucket, key, bytes.NewReader(content), int64(len(content)), miniogo.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return artifactContentRef{}, errors.Wrap(err, errors.CodeUnavailableDependency,
			"entity: failed to offload artifact content to object storage")
	}
	return artifactContentRef{Bucket: s.bucket, Object: key}, nil
}

func (s *ArtifactStore) loadContent(ctx context.Context, ref artifactContentRef) ([]byte, error) {
	if ref.Inline != nil || ref.Object == "" {
		return ref.Inline, nil
	}
	if s.blobs == nil {
		return nil, errors.New(errors.CodeInternalConfiguration,
			"entity: artifact content was offloaded but no object store is configured")
	}
	obj, err := s.blobs.GetObject(ctx, ref.Bucket, ref.Object, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailableDependency, "entity: failed to fetch offloaded artifact content")
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailableDependency, "entity: failed to read offloaded artifact content")
	}
	return data, nil
}

// Create appends an artifact.created event (version 1).
func (s *ArtifactStore) Create(ctx context.Context, tenant ids.TenantID, authorAgent ids.ID, in CreateArtifactInput) (ids.ID, error) {
	if strings.TrimSpace(in.Name) == "" {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "entity: artifact name is required")
	}
	if in.TrajectoryID.IsZero() {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "entity: artifact requires a trajectory id")
	}

	id := ids.New()
	ref, err := s.storeContent(ctx, tenant, id, 1, in.Content)
	if err != nil {
		return ids.Zero, err
	}

	payload, err := json.Marshal(artifactPayload{
		EntityID:         id,
		TrajectoryID:     in.TrajectoryID,
		ScopeID:          in.ScopeID,
		Type:             in.Type,
		Name:             in.Name,
		ContentRef:       ref,
		Checksum:         checksumOf(in.Content),
		SourceTurn:       in.SourceTurn,
		ExtractionMethod: in.ExtractionMethod,
		TTLKind:          in.TTL.Kind,
		TTLDuration:      in.TTL.Duration,
		Embedding:        in.Embedding,
		Version:          1,
		At:               time.Now().UTC(),
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "entity: failed to encode artifact.created payload")
	}

	e := &event.Event{ID: id, Kind: event.KindArtifactCreated}
	stored, err := s.appendCreationEvent(ctx, tenant, authorAgent, e, payload)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// Get folds every artifact.* event addressed to id and loads its current
// version's content (from MinIO if offloaded).
func (s *ArtifactStore) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*Artifact, error) {
	if a, ok := s.cache.get(tenant, id); ok {
		return a, nil
	}

	events, err := scanKind(ctx, s.dag, tenant, event.KindArtifactCreated, event.KindArtifactDeleted)
	if err != nil {
		return nil, err
	}

	a, ref, err := foldArtifact(id, events)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "entity: artifact %s not found", id)
	}
	content, err := s.loadContent(ctx, ref)
	if err != nil {
		return nil, err
	}
	a.Content = content
	a.Tenant = tenant
	s.cache.put(tenant, id, a)
	return a, nil
}

func foldArtifact(id ids.ID, events []*event.Event) (*Artifact, artifactContentRef, error) {
	var a *Artifact
	var ref artifactContentRef
	for _, e := range events {
		switch e.Kind {
		case event.KindArtifactCreated, event.KindArtifactVersion:
			var p artifactPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, ref, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad artifact payload")
			}
			if p.EntityID != id {
				continue
			}
			createdAt := p.At
			if a != nil {
				createdAt = a.CreatedAt
			}
			a = &Artifact{
				ID:               p.EntityID,
				TrajectoryID:     p.TrajectoryID,
				ScopeID:          p.ScopeID,
				Type:             p.Type,
				Name:             p.Name,
				SourceTurn:       p.SourceTurn,
				ExtractionMethod: p.ExtractionMethod,
				TTL:              TTL{Kind: p.TTLKind, Duration: p.TTLDuration},
				Embedding:        p.Embedding,
				Checksum:         p.Checksum,
				Version:          p.Version,
				CreatedAt:        createdAt,
				UpdatedAt:        p.At,
				Seq:              e.MonotonicSeq,
			}
			ref = p.ContentRef
		case event.KindArtifactDeleted:
			if a == nil {
				continue
			}
			var p artifactDeletedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, ref, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad artifact.deleted payload")
			}
			if p.EntityID != id {
				continue
			}
			a.Deleted = true
			a.UpdatedAt = p.DeletedAt
			a.Seq = e.MonotonicSeq
		}
	}
	return a, ref, nil
}

// List returns every artifact for tenant matching filter.
func (s *ArtifactStore) List(ctx context.Context, tenant ids.TenantID, trajectoryID, scopeID ids.ID, filter Filter, p Pagination) (Page[*Artifact], error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindArtifactCreated, event.KindArtifactDeleted)
	if err != nil {
		return Page[*Artifact]{}, err
	}

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range events {
		var id ids.ID
		switch e.Kind {
		case event.KindArtifactCreated, event.KindArtifactVersion:
			var pl artifactPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		case event.KindArtifactDeleted:
			var pl artifactDeletedPayload
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

	var out []*Artifact
	for _, id := range order {
		a, ref, err := foldArtifact(id, byID[id])
		if err != nil {
			return Page[*Artifact]{}, err
		}
		if a == nil || a.Deleted {
			continue
		}
		if !trajectoryID.IsZero() && a.TrajectoryID != trajectoryID {
			continue
		}
		if !scopeID.IsZero() && a.ScopeID != scopeID {
			continue
		}
		if filter.Type != "" && string(a.Type) != filter.Type {
			continue
		}
		if filter.NameContains != "" && !strings.Contains(a.Name, filter.NameContains) {
			continue
		}
		content, err := s.loadContent(ctx, ref)
		if err != nil {
			return Page[*Artifact]{}, err
		}
		a.Content = content
		a.Tenant = tenant
		out = append(out, a)
	}

	return paginate(out, func(a *Artifact) uint64 { return a.Seq }, p), nil
}

// Update appends a new artifact.versioned event whose content supersedes
// the prior version. Content is immutable once written, never mutated in
// place.
func (s *ArtifactStore) Update(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID, newContent []byte, embedding []float32) error {
	current, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if current.Deleted {
		return errors.New(errors.CodeConflict, "entity: cannot version a deleted artifact")
	}

	nextVersion := current.Version + 1
	ref, err := s.storeContent(ctx, tenant, id, nextVersion, newContent)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(artifactPayload{
		EntityID:         id,
		TrajectoryID:     current.TrajectoryID,
		ScopeID:          current.ScopeID,
		Type:             current.Type,
		Name:             current.Name,
		ContentRef:       ref,
		Checksum:         checksumOf(newContent),
		SourceTurn:       current.SourceTurn,
		ExtractionMethod: current.ExtractionMethod,
		TTLKind:          current.TTL.Kind,
		TTLDuration:      current.TTL.Duration,
		Embedding:        embedding,
		Version:          nextVersion,
		Supersedes:       ptrID(id),
		At:               time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "entity: failed to encode artifact.versioned payload")
	}
	if _, err := s.appendEvent(ctx, tenant, event.KindArtifactVersion, authorAgent, payload); err != nil {
		return err
	}
	s.cache.invalidate(tenant, id)
	return nil
}

// Delete appends a terminal artifact.deleted event.
func (s *ArtifactStore) Delete(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID) error {
	if _, err := s.Get(ctx, tenant, id); err != nil {
		return err
	}
	payload, err := json.Marshal(artifactDeletedPayload{EntityID: id, DeletedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "entity: failed to encode artifact.deleted payload")
	}
	if _, err := s.appendEvent(ctx, tenant, event.KindArtifactDeleted, authorAgent, payload); err != nil {
		return err
	}
	s.cache.invalidate(tenant, id)
	return nil
}

func ptrID(id ids.ID) *ids.ID { return &id }
