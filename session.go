package hybriddb

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/andreyvit/hybriddb/backend"
)

type EntryStatus int

const (
	StatusUntracked EntryStatus = iota
	StatusNew
	StatusUnchanged
	StatusDirty
	StatusDeleted
)

var entryStatusNames = [...]string{
	StatusUntracked: "untracked",
	StatusNew:       "new",
	StatusUnchanged: "unchanged",
	StatusDirty:     "dirty",
	StatusDeleted:   "deleted",
}

func (st EntryStatus) String() string {
	if st >= 0 && int(st) < len(entryStatusNames) {
		return entryStatusNames[st]
	}
	return fmt.Sprintf("EntryStatus(%d)", int(st))
}

type entryKey struct {
	table string
	id    any // normalized: string or int64
}

type entry struct {
	dt       *docType
	key      entryKey
	doc      reflect.Value
	status   EntryStatus
	snapshot []byte // payload as last read from or written to the backend
	seq      uint64
}

// Session is a unit of work: an identity map of the documents it has loaded
// or stored, flushed atomically by SaveChanges. Not safe for concurrent use.
//
// Always Close a session, including on error paths. A session whose
// operation was cancelled must be discarded.
type Session struct {
	store   *DocumentStore
	entries map[entryKey]*entry
	byDoc   map[any]*entry
	lastSeq uint64
	closed  bool
}

func newSession(store *DocumentStore) *Session {
	return &Session{
		store:   store,
		entries: make(map[entryKey]*entry),
		byDoc:   make(map[any]*entry),
	}
}

// Close discards the identity map. Unsaved changes are lost.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.entries = nil
	s.byDoc = nil
	s.store.sessionClosed()
}

// StatusOf reports how the session tracks the given document instance.
func (s *Session) StatusOf(doc any) EntryStatus {
	if s.closed {
		return StatusUntracked
	}
	if e := s.byDoc[doc]; e != nil {
		return e.status
	}
	return StatusUntracked
}

// Store tracks doc for insertion or update on the next SaveChanges. Storing
// a document whose identifier is already tracked replaces the tracked
// instance (last write wins).
func (s *Session) Store(doc any) error {
	if s.closed {
		return ErrSessionClosed
	}
	dt, docVal, err := s.store.docTypeOfDoc(doc)
	if err != nil {
		return err
	}
	id, err := dt.idOf(docVal)
	if err != nil {
		return err
	}
	key := entryKey{dt.table, id}

	if e := s.byDoc[doc]; e != nil && e.key != key {
		return identityErrf(dt.typ, id, "document is tracked as %v, its identifier must not change", e.key.id)
	}

	e := s.entries[key]
	if e == nil {
		s.track(dt, key, docVal, StatusNew, nil)
		return nil
	}
	if e.doc.Pointer() != docVal.Pointer() {
		delete(s.byDoc, e.doc.Interface())
		e.doc = docVal
		s.byDoc[doc] = e
	}
	if e.status == StatusUnchanged || e.status == StatusDeleted {
		e.status = StatusDirty
	}
	return nil
}

// Load returns the document with the given identifier, or nil if there is
// none. A document already tracked by the session is returned as is, so
// loading the same identifier twice yields the same instance.
func Load[T any](ctx context.Context, s *Session, id any) (*T, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	dt, err := s.store.docTypeOf(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	nid, err := dt.normalizeID(id)
	if err != nil {
		return nil, err
	}
	key := entryKey{dt.table, nid}
	if e := s.entries[key]; e != nil {
		return e.doc.Interface().(*T), nil
	}

	row, err := s.store.be.Get(ctx, dt.table, nid)
	if err != nil {
		return nil, fmt.Errorf("hybriddb: load %s/%v: %w", dt.table, nid, err)
	}
	if row == nil {
		s.store.logVerbose(ctx, "hybriddb: LOAD.MISS", slog.String("table", dt.table), slog.Any("id", nid))
		return nil, nil
	}
	s.store.ReadCount.Add(1)
	e, err := s.trackRow(dt, *row)
	if err != nil {
		return nil, err
	}
	s.store.logVerbose(ctx, "hybriddb: LOAD", slog.String("table", dt.table), slog.Any("id", nid))
	return e.doc.Interface().(*T), nil
}

// Delete marks doc for deletion on the next SaveChanges. The identifier must
// be tracked by this session.
func (s *Session) Delete(doc any) error {
	if s.closed {
		return ErrSessionClosed
	}
	dt, docVal, err := s.store.docTypeOfDoc(doc)
	if err != nil {
		return err
	}
	id, err := dt.idOf(docVal)
	if err != nil {
		return err
	}
	return s.deleteKey(dt, entryKey{dt.table, id})
}

// DeleteByID marks the tracked document of type T with the given identifier
// for deletion on the next SaveChanges.
func DeleteByID[T any](s *Session, id any) error {
	if s.closed {
		return ErrSessionClosed
	}
	dt, err := s.store.docTypeOf(reflect.TypeFor[T]())
	if err != nil {
		return err
	}
	nid, err := dt.normalizeID(id)
	if err != nil {
		return err
	}
	return s.deleteKey(dt, entryKey{dt.table, nid})
}

func (s *Session) deleteKey(dt *docType, key entryKey) error {
	e := s.entries[key]
	if e == nil {
		return identityErrf(dt.typ, key.id, "cannot delete a document this session has not loaded or stored")
	}
	if e.status == StatusNew {
		s.forget(e)
		return nil
	}
	e.status = StatusDeleted
	return nil
}

func (s *Session) track(dt *docType, key entryKey, docVal reflect.Value, status EntryStatus, snapshot []byte) *entry {
	s.lastSeq++
	e := &entry{
		dt:       dt,
		key:      key,
		doc:      docVal,
		status:   status,
		snapshot: snapshot,
		seq:      s.lastSeq,
	}
	s.entries[key] = e
	s.byDoc[docVal.Interface()] = e
	return e
}

// trackRow deserializes a backend row and tracks it as unchanged, unless the
// identifier is already tracked, in which case the tracked entry wins.
func (s *Session) trackRow(dt *docType, row backend.Row) (*entry, error) {
	key := entryKey{dt.table, row.ID}
	if e := s.entries[key]; e != nil {
		return e, nil
	}
	docVal, err := dt.decode(row.Payload)
	if err != nil {
		return nil, fmt.Errorf("hybriddb: %s/%v: %w", dt.table, row.ID, err)
	}
	if err := dt.fillID(docVal, row.ID); err != nil {
		return nil, fmt.Errorf("hybriddb: %s/%v: %w", dt.table, row.ID, err)
	}
	return s.track(dt, key, docVal, StatusUnchanged, row.Payload), nil
}

func (s *Session) forget(e *entry) {
	delete(s.entries, e.key)
	delete(s.byDoc, e.doc.Interface())
}

type writeOp int

const (
	opInsert writeOp = iota + 1
	opUpdate
	opDelete
)

func (op writeOp) String() string {
	switch op {
	case opInsert:
		return "INSERT"
	case opUpdate:
		return "UPDATE"
	case opDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("writeOp(%d)", int(op))
	}
}

type pendingWrite struct {
	e   *entry
	op  writeOp
	row backend.Row
}

// SaveChanges writes every pending change in one backend transaction:
// inserts for new documents, updates for stored or modified ones, deletes
// for deleted ones. Unchanged documents are re-serialized and updated if
// their bytes differ from what was loaded.
//
// On failure nothing is written, a *PersistenceError is returned and the
// session keeps its pre-call state, so SaveChanges can be retried. On
// success every surviving entry becomes unchanged.
func (s *Session) SaveChanges(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	writes, err := s.pendingWrites()
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	tx, err := s.store.be.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	for _, w := range writes {
		if err := s.apply(ctx, tx, w); err != nil {
			return &PersistenceError{Op: w.op.String(), Table: w.e.key.table, ID: w.e.key.id, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}

	for _, w := range writes {
		switch w.op {
		case opInsert, opUpdate:
			w.e.status = StatusUnchanged
			w.e.snapshot = w.row.Payload
		case opDelete:
			s.forget(w.e)
		}
	}
	s.store.WriteCount.Add(uint64(len(writes)))
	return nil
}

// matchesSnapshot reports whether the live document still equals what was
// last read or written. Serializers may emit map entries in any order, so
// differing bytes are confirmed by decoding the snapshot and comparing values.
func (e *entry) matchesSnapshot(payload []byte) bool {
	if bytes.Equal(payload, e.snapshot) {
		return true
	}
	if e.snapshot == nil {
		return false
	}
	prev, err := e.dt.decode(e.snapshot)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(prev.Interface(), e.doc.Interface())
}

func (s *Session) pendingWrites() ([]pendingWrite, error) {
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		return cmp.Compare(a.seq, b.seq)
	})

	var writes []pendingWrite
	for _, e := range entries {
		if e.status == StatusDeleted {
			writes = append(writes, pendingWrite{e, opDelete, backend.Row{ID: e.key.id}})
			continue
		}

		id, err := e.dt.idOf(e.doc)
		if err != nil || id != e.key.id {
			if err == nil {
				err = identityErrf(e.dt.typ, id, "identifier changed from %v", e.key.id)
			}
			return nil, &PersistenceError{Op: "identify", Table: e.key.table, ID: e.key.id, Err: err}
		}
		payload, err := s.store.serializer.Serialize(e.doc.Interface())
		if err != nil {
			return nil, &PersistenceError{Op: "serialize", Table: e.key.table, ID: e.key.id, Err: err}
		}
		if e.status == StatusUnchanged && e.matchesSnapshot(payload) {
			continue
		}
		cols, err := e.dt.project(e.doc)
		if err != nil {
			return nil, &PersistenceError{Op: "project", Table: e.key.table, ID: e.key.id, Err: err}
		}
		op := opUpdate
		if e.status == StatusNew {
			op = opInsert
		}
		writes = append(writes, pendingWrite{e, op, backend.Row{ID: e.key.id, Payload: payload, Columns: cols}})
	}
	return writes, nil
}

func (s *Session) apply(ctx context.Context, tx backend.Tx, w pendingWrite) error {
	table := w.e.key.table
	switch w.op {
	case opInsert:
		if err := tx.Insert(ctx, table, w.row); err != nil {
			return err
		}
	case opUpdate:
		if err := tx.Update(ctx, table, w.row); err != nil {
			return err
		}
	case opDelete:
		deleted, err := tx.Delete(ctx, table, w.row.ID)
		if err != nil {
			return err
		}
		if !deleted {
			s.store.logVerbose(ctx, "hybriddb: DELETE.NOOP", slog.String("table", table), slog.Any("id", w.row.ID))
			return nil
		}
	}
	if s.store.verbose {
		s.store.logVerbose(ctx, "hybriddb: "+w.op.String(),
			slog.String("table", table),
			slog.Any("id", w.row.ID),
			slog.String("doc", loggableDoc(w.e.dt, w.e.doc, w.op)))
	}
	return nil
}
