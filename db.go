package hybriddb

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andreyvit/hybriddb/backend"
)

// DocumentStore holds the serializer and the document type configuration
// bound to one backend, and opens sessions. Configuration is frozen by
// MigrateSchemaToMatchConfiguration; after that the store is safe for
// concurrent use.
type DocumentStore struct {
	be       backend.Backend
	logger   *slog.Logger
	verbose  bool
	backfill bool

	mu            sync.Mutex
	serializer    Serializer
	types         []*docType
	typesByGoType map[reflect.Type]*docType
	frozen        bool
	openSessions  int

	SessionCount  atomic.Uint64
	ReadCount     atomic.Uint64
	WriteCount    atomic.Uint64
	QueryCount    atomic.Uint64
	PushedCount   atomic.Uint64
	FallbackCount atomic.Uint64
	RejectedCount atomic.Uint64
}

type Options struct {
	// Logger receives migration and (with Verbose) per-operation logs.
	// Defaults to slog.Default().
	Logger *slog.Logger

	// Verbose logs every row written, read and queried at Debug level.
	Verbose bool

	// Backfill makes migration compute newly added columns for existing rows
	// by deserializing their payloads. Without it, such rows keep NULL.
	Backfill bool
}

func New(be backend.Backend, opt Options) *DocumentStore {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentStore{
		be:            be,
		logger:        logger,
		verbose:       opt.Verbose,
		backfill:      opt.Backfill,
		serializer:    defaultSerializer,
		typesByGoType: make(map[reflect.Type]*docType),
	}
}

func (store *DocumentStore) Backend() backend.Backend {
	return store.be
}

// Close closes the backend.
func (store *DocumentStore) Close() error {
	return store.be.Close()
}

// UseSerializer replaces the serializer. Fails after migration.
func (store *DocumentStore) UseSerializer(s Serializer) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.frozen {
		return configErrf(nil, "", nil, "cannot change serializer after migration")
	}
	if s == nil {
		return configErrf(nil, "", nil, "nil serializer")
	}
	store.serializer = s
	return nil
}

func (store *DocumentStore) Serializer() Serializer {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.serializer
}

// OpenSession starts a unit of work. Fails before migration.
func (store *DocumentStore) OpenSession() (*Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.frozen {
		return nil, configErrf(nil, "", nil, "cannot open a session before MigrateSchemaToMatchConfiguration")
	}
	store.openSessions++
	store.SessionCount.Add(1)
	return newSession(store), nil
}

func (store *DocumentStore) sessionClosed() {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.openSessions--
}

func (store *DocumentStore) addType(typ reflect.Type) *docType {
	dt := newDocType(store, typ)
	dt.pos = len(store.types)
	store.types = append(store.types, dt)
	store.typesByGoType[typ] = dt
	return dt
}

// docTypeOf returns a migrated, usable document type.
func (store *DocumentStore) docTypeOf(typ reflect.Type) (*docType, error) {
	dt := store.typesByGoType[typ]
	if dt == nil {
		return nil, configErrf(typ, "", nil, "document type is not registered")
	}
	if err := dt.usable(); err != nil {
		return nil, err
	}
	return dt, nil
}

// docTypeOfDoc resolves a document pointer passed as any.
func (store *DocumentStore) docTypeOfDoc(doc any) (*docType, reflect.Value, error) {
	docVal := reflect.ValueOf(doc)
	if !docVal.IsValid() || docVal.Kind() != reflect.Pointer || docVal.Type().Elem().Kind() != reflect.Struct {
		return nil, reflect.Value{}, configErrf(nil, "", nil, "expected a pointer to a document struct, got %T", doc)
	}
	if docVal.IsNil() {
		return nil, reflect.Value{}, identityErrf(docVal.Type().Elem(), nil, "nil document")
	}
	dt, err := store.docTypeOf(docVal.Type().Elem())
	if err != nil {
		return nil, reflect.Value{}, err
	}
	return dt, docVal, nil
}

// pendingConfigErrors collects registration failures and checks that table
// names are unique.
func (store *DocumentStore) pendingConfigErrors() error {
	var errs []error
	tablesByLowerName := make(map[string]*docType)
	for _, dt := range store.types {
		if err := dt.configErr(); err != nil {
			errs = append(errs, err)
			continue
		}
		key := strings.ToLower(dt.table)
		if other := tablesByLowerName[key]; other != nil {
			errs = append(errs, configErrf(dt.typ, "", nil, "table %s is already used by %v", dt.table, other.typ))
			continue
		}
		tablesByLowerName[key] = dt
	}
	return errors.Join(errs...)
}

func (store *DocumentStore) typesSnapshot() []*docType {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]*docType(nil), store.types...)
}

func (store *DocumentStore) logVerbose(ctx context.Context, msg string, attrs ...slog.Attr) {
	if store.verbose {
		store.logger.LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
	}
}
