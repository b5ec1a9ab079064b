package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/declarative"
	"github.com/openfroyo/grcsync/pkg/stores"
)

// Mock implementations for testing

type mockRecord struct {
	scope Scope
	rec   Record
}

type mockRecordStore struct {
	mu         sync.Mutex
	typ        string
	key        string
	records    map[string]*mockRecord
	nextID     int
	failCreate map[string]error
	failUpdate map[string]error
	creates    int
	updates    int
}

func newMockRecordStore(typ, key string) *mockRecordStore {
	return &mockRecordStore{
		typ:        typ,
		key:        key,
		records:    make(map[string]*mockRecord),
		failCreate: make(map[string]error),
		failUpdate: make(map[string]error),
	}
}

func (m *mockRecordStore) Type() string          { return m.typ }
func (m *mockRecordStore) BusinessIDKey() string { return m.key }

func (m *mockRecordStore) FindByBusinessID(ctx context.Context, scope Scope, businessID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.scope == scope && r.rec.BusinessID == businessID {
			return copyRecord(r.rec), nil
		}
	}
	return nil, nil
}

func (m *mockRecordStore) FindByID(ctx context.Context, scope Scope, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok && r.scope == scope {
		return copyRecord(r.rec), nil
	}
	return nil, nil
}

func (m *mockRecordStore) Create(ctx context.Context, scope Scope, attrs map[string]interface{}, actor string) (*Record, error) {
	businessID, _ := BusinessIDOf(attrs, m.key)
	if err := m.failCreate[businessID]; err != nil {
		return nil, err
	}
	rec := m.seed(scope, businessID, attrs)
	m.mu.Lock()
	m.creates++
	m.mu.Unlock()
	return rec, nil
}

func (m *mockRecordStore) Update(ctx context.Context, scope Scope, id string, attrs map[string]interface{}, actor string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.scope != scope {
		return nil, fmt.Errorf("record %s not found", id)
	}
	if err := m.failUpdate[r.rec.BusinessID]; err != nil {
		return nil, err
	}
	for k, v := range declarative.NormalizeMap(attrs) {
		r.rec.Attributes[k] = v
	}
	m.updates++
	return copyRecord(r.rec), nil
}

func (m *mockRecordStore) List(ctx context.Context, scope Scope, limit, offset int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Record
	for _, r := range m.records {
		if r.scope == scope {
			all = append(all, copyRecord(r.rec))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].BusinessID < all[j].BusinessID })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// seed inserts a live record directly, as an edit made outside any apply.
func (m *mockRecordStore) seed(scope Scope, businessID string, attrs map[string]interface{}) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec := Record{
		ID:         fmt.Sprintf("%s-%d", m.typ, m.nextID),
		BusinessID: businessID,
		Attributes: declarative.NormalizeMap(attrs),
	}
	m.records[rec.ID] = &mockRecord{scope: scope, rec: rec}
	return copyRecord(rec)
}

// edit changes one live field, as a user would through the UI.
func (m *mockRecordStore) edit(scope Scope, businessID, field string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.scope == scope && r.rec.BusinessID == businessID {
			if value == nil {
				delete(r.rec.Attributes, field)
			} else {
				r.rec.Attributes[field] = declarative.Normalize(value)
			}
			return
		}
	}
	panic("edit of unknown record " + businessID)
}

func (m *mockRecordStore) live(scope Scope, businessID string) map[string]interface{} {
	rec, _ := m.FindByBusinessID(context.Background(), scope, businessID)
	if rec == nil {
		return nil
	}
	return rec.Attributes
}

func copyRecord(r Record) *Record {
	return &Record{ID: r.ID, BusinessID: r.BusinessID, Attributes: declarative.NormalizeMap(r.Attributes)}
}

type validatorFunc struct {
	name string
	fn   func(resourceType string, attrs map[string]interface{}) error
}

func (v validatorFunc) Name() string { return v.name }

func (v validatorFunc) Validate(ctx context.Context, scope Scope, resourceType string, attrs map[string]interface{}) error {
	return v.fn(resourceType, attrs)
}

var testScope = Scope{OrgID: "acme", Workspace: "prod"}

func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

type testEnv struct {
	store      *stores.SQLiteStore
	controls   *mockRecordStore
	risks      *mockRecordStore
	registry   *Registry
	reconciler *Reconciler
}

func setupTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	store := setupTestStore(t)
	controls := newMockRecordStore("control", "control_id")
	risks := newMockRecordStore("risk", "risk_id")
	registry := NewRegistry(controls, risks)

	opts = append([]Option{WithAuditSink(stores.NewAuditSink(store))}, opts...)
	return &testEnv{
		store:      store,
		controls:   controls,
		risks:      risks,
		registry:   registry,
		reconciler: NewReconciler(registry, store, zerolog.Nop(), opts...),
	}
}

func (e *testEnv) apply(t *testing.T, text string, resolution Resolution) (*ApplyResult, error) {
	t.Helper()
	return e.reconciler.Apply(context.Background(), ApplyRequest{
		Scope:      testScope,
		Actor:      "alice",
		Text:       text,
		SourceFile: "controls.grc",
		Resolution: resolution,
	})
}

func (e *testEnv) historyCount(t *testing.T) int {
	t.Helper()
	entries, err := e.store.ListApplyHistory(context.Background(), testScope, 100, 0)
	if err != nil {
		t.Fatalf("ListApplyHistory() error = %v", err)
	}
	return len(entries)
}

func (e *testEnv) state(t *testing.T, resourceType, businessID string) *stores.ResourceState {
	t.Helper()
	st, err := e.store.GetResourceState(context.Background(), testScope, resourceType, businessID)
	if err != nil {
		t.Fatalf("GetResourceState(%s, %s) error = %v", resourceType, businessID, err)
	}
	return st
}

func TestRegistry(t *testing.T) {
	controls := newMockRecordStore("control", "control_id")
	registry := NewRegistry(controls, newMockRecordStore("risk", "risk_id"))

	if err := registry.Register(newMockRecordStore("control", "control_id")); err == nil {
		t.Error("expected error registering a duplicate type")
	}
	if s, ok := registry.Get("control"); !ok || s != controls {
		t.Error("Get(control) did not return the registered store")
	}
	if _, ok := registry.Get("widget"); ok {
		t.Error("Get(widget) should fail")
	}
	if got := registry.Types(); len(got) != 2 || got[0] != "control" || got[1] != "risk" {
		t.Errorf("Types() = %v, want [control risk]", got)
	}
}

func TestBusinessIDOf(t *testing.T) {
	tests := []struct {
		name   string
		value  interface{}
		want   string
		wantOK bool
	}{
		{"string", "AC-2", "AC-2", true},
		{"empty string", "", "", false},
		{"integral float", float64(42), "42", true},
		{"decimal float", 1.5, "1.5", true},
		{"int", 7, "7", true},
		{"list", []interface{}{"a"}, "", false},
		{"missing", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := map[string]interface{}{}
			if tt.value != nil {
				attrs["id"] = tt.value
			}
			got, ok := BusinessIDOf(attrs, "id")
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("BusinessIDOf() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
