package entities

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/engine"
	"github.com/openfroyo/grcsync/pkg/stores"
)

// RecordStore serves one kind out of the shared records table.
type RecordStore struct {
	kind   *Kind
	db     *stores.SQLiteStore
	logger zerolog.Logger
}

var _ engine.RecordStore = (*RecordStore)(nil)

// NewRecordStore creates the record store of one kind.
func NewRecordStore(kind *Kind, db *stores.SQLiteStore, logger zerolog.Logger) *RecordStore {
	return &RecordStore{
		kind:   kind,
		db:     db,
		logger: logger.With().Str("component", "entities").Str("kind", kind.Type).Logger(),
	}
}

// NewRegistry registers a record store for every kind. With no kinds the
// built-in ones are used.
func NewRegistry(db *stores.SQLiteStore, logger zerolog.Logger, kinds ...*Kind) *engine.Registry {
	if len(kinds) == 0 {
		kinds = DefaultKinds()
	}
	registry := engine.NewRegistry()
	for _, k := range kinds {
		if err := registry.Register(NewRecordStore(k, db, logger)); err != nil {
			panic(err)
		}
	}
	return registry
}

func (s *RecordStore) Type() string          { return s.kind.Type }
func (s *RecordStore) BusinessIDKey() string { return s.kind.BusinessID }

// Kind returns the field mapping of the store.
func (s *RecordStore) Kind() *Kind { return s.kind }

func (s *RecordStore) FindByBusinessID(ctx context.Context, scope engine.Scope, businessID string) (*engine.Record, error) {
	rec, err := s.db.GetRecordByBusinessID(ctx, scope, s.kind.Type, businessID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.toRecord(rec), nil
}

func (s *RecordStore) FindByID(ctx context.Context, scope engine.Scope, id string) (*engine.Record, error) {
	rec, err := s.db.GetRecord(ctx, scope, s.kind.Type, id)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.toRecord(rec), nil
}

// Create inserts a new record. The business id attribute is required.
func (s *RecordStore) Create(ctx context.Context, scope engine.Scope, attrs map[string]interface{}, actor string) (*engine.Record, error) {
	businessID, ok := engine.BusinessIDOf(attrs, s.kind.BusinessID)
	if !ok {
		return nil, fmt.Errorf("%s: attribute %q is required", s.kind.Type, s.kind.BusinessID)
	}

	fields, err := s.kind.ToNative(attrs)
	if err != nil {
		return nil, err
	}

	rec := &stores.Record{
		Scope:      scope,
		RecordType: s.kind.Type,
		BusinessID: businessID,
		Fields:     fields,
		CreatedBy:  actor,
	}
	if err := s.db.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Debug().Str("business_id", businessID).Str("record_id", rec.ID).Msg("Record created")
	return s.toRecord(rec), nil
}

// Update merges attrs onto the record: declared attributes overwrite, others
// are kept.
func (s *RecordStore) Update(ctx context.Context, scope engine.Scope, id string, attrs map[string]interface{}, actor string) (*engine.Record, error) {
	rec, err := s.db.GetRecord(ctx, scope, s.kind.Type, id)
	if err != nil {
		return nil, err
	}

	fields, err := s.kind.ToNative(attrs)
	if err != nil {
		return nil, err
	}
	for name, value := range fields {
		rec.Fields[name] = value
	}
	if businessID, ok := engine.BusinessIDOf(attrs, s.kind.BusinessID); ok {
		rec.BusinessID = businessID
	}
	rec.UpdatedBy = actor

	if err := s.db.UpdateRecord(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Debug().Str("business_id", rec.BusinessID).Str("record_id", rec.ID).Int("fields", len(fields)).Msg("Record updated")
	return s.toRecord(rec), nil
}

func (s *RecordStore) List(ctx context.Context, scope engine.Scope, limit, offset int) ([]*engine.Record, error) {
	recs, err := s.db.ListRecords(ctx, scope, s.kind.Type, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*engine.Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.toRecord(rec))
	}
	return out, nil
}

func (s *RecordStore) toRecord(rec *stores.Record) *engine.Record {
	return &engine.Record{
		ID:         rec.ID,
		BusinessID: rec.BusinessID,
		Attributes: s.kind.FromNative(rec.Fields),
	}
}

// MappingValidator rejects resources whose attributes cannot be mapped,
// before the apply reaches the record store.
type MappingValidator struct {
	registry *engine.Registry
}

// NewMappingValidator creates a validator over the kinds in registry.
func NewMappingValidator(registry *engine.Registry) *MappingValidator {
	return &MappingValidator{registry: registry}
}

func (v *MappingValidator) Name() string { return "field-mapping" }

func (v *MappingValidator) Validate(ctx context.Context, scope engine.Scope, resourceType string, attrs map[string]interface{}) error {
	store, ok := v.registry.Get(resourceType)
	if !ok {
		return nil
	}
	rs, ok := store.(*RecordStore)
	if !ok {
		return nil
	}
	return rs.kind.Check(attrs)
}
