package hybriddb

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/andreyvit/hybriddb/backend"
)

func TestSessionStatuses(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		s := openSession(t, store)

		order := newOrder("8700", "Horsens")
		deepEqual(t, s.StatusOf(order), StatusUntracked)
		ensure(t, s.Store(order))
		deepEqual(t, s.StatusOf(order), StatusNew)
		ensure(t, s.SaveChanges(ctx))
		deepEqual(t, s.StatusOf(order), StatusUnchanged)

		ensure(t, s.Store(order))
		deepEqual(t, s.StatusOf(order), StatusDirty)
		ensure(t, s.SaveChanges(ctx))
		deepEqual(t, s.StatusOf(order), StatusUnchanged)

		ensure(t, s.Delete(order))
		deepEqual(t, s.StatusOf(order), StatusDeleted)
		ensure(t, s.SaveChanges(ctx))
		deepEqual(t, s.StatusOf(order), StatusUntracked)

		isnil(t, must(Load[Order](ctx, s, order.ID)))
	})
}

func TestDeleteOfUntrackedDocumentFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		store := setup(t, be, configureOrders)
		s := openSession(t, store)

		wantErr(t, s.Delete(newOrder("8700", "Horsens")), ErrIdentity)
		wantErr(t, DeleteByID[Order](s, uuid.New()), ErrIdentity)
	})
}

func TestDeleteOfNewDocumentForgetsIt(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		s := openSession(t, store)

		order := newOrder("8700", "Horsens")
		ensure(t, s.Store(order))
		ensure(t, s.Delete(order))
		deepEqual(t, s.StatusOf(order), StatusUntracked)
		ensure(t, s.SaveChanges(ctx))
		deepEqual(t, store.Stats().RowsWritten, uint64(0))
	})
}

func TestDeleteByID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, func(store *DocumentStore) {
			Document[Counter](store).Project("Name")
		})
		saveAll(t, store, &Counter{Key: 1, Name: "a"}, &Counter{Key: 2, Name: "b"})

		s := openSession(t, store)
		must(Load[Counter](ctx, s, 1))
		ensure(t, DeleteByID[Counter](s, 1))
		ensure(t, s.SaveChanges(ctx))

		s2 := openSession(t, store)
		deepEqual(t, must(Query[Counter](s2).List(ctx)), []*Counter{{Key: 2, Name: "b"}})
	})
}

func TestEmptyIdentifierFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, func(store *DocumentStore) {
			configureOrders(store)
			Document[Counter](store)
		})
		s := openSession(t, store)

		order := newOrder("8700", "Horsens")
		order.ID = uuid.Nil
		err := s.Store(order)
		wantErr(t, err, ErrIdentity)
		var ie *IdentityError
		if !errors.As(err, &ie) || ie.Type.Name() != "Order" {
			t.Fatalf("** got %v, wanted *IdentityError on Order", err)
		}

		wantErr(t, s.Store(&Counter{Name: "zero"}), ErrIdentity)
		_, err = Load[Counter](ctx, s, 0)
		wantErr(t, err, ErrIdentity)
		_, err = Load[Order](ctx, s, "")
		wantErr(t, err, ErrIdentity)
	})
}

func TestClosedSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		s := openSession(t, store)
		order := newOrder("8700", "Horsens")
		ensure(t, s.Store(order))
		s.Close()
		s.Close()

		wantErr(t, s.Store(order), ErrSessionClosed)
		wantErr(t, s.Delete(order), ErrSessionClosed)
		wantErr(t, s.SaveChanges(ctx), ErrSessionClosed)
		_, err := Load[Order](ctx, s, order.ID)
		wantErr(t, err, ErrSessionClosed)
		_, err = Query[Order](s).List(ctx)
		wantErr(t, err, ErrSessionClosed)
		deepEqual(t, s.StatusOf(order), StatusUntracked)
	})
}

func TestStoreReplacesTrackedInstance(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		order := newOrder("8700", "Horsens")
		saveAll(t, store, order)

		s := openSession(t, store)
		loaded := must(Load[Order](ctx, s, order.ID))

		replacement := newOrder("9000", "Aalborg")
		replacement.ID = order.ID
		ensure(t, s.Store(replacement))
		deepEqual(t, s.StatusOf(replacement), StatusDirty)
		deepEqual(t, s.StatusOf(loaded), StatusUntracked)
		ensure(t, s.SaveChanges(ctx))

		s2 := openSession(t, store)
		found := must(Query[Order](s2).Where(Eq("DeliveryAddress.City", "Aalborg")).List(ctx))
		deepEqual(t, ids(found), []uuid.UUID{order.ID})
	})
}

func TestChangedIdentifierFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		s := openSession(t, store)

		order := newOrder("8700", "Horsens")
		ensure(t, s.Store(order))
		order.ID = uuid.New()
		wantErr(t, s.Store(order), ErrIdentity)

		err := s.SaveChanges(ctx)
		wantErr(t, err, ErrPersistence)
		wantErr(t, err, ErrIdentity)
	})
}

func TestChangeTrackingDetectsMutation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		order := newOrder("8700", "Horsens")
		saveAll(t, store, order)

		s := openSession(t, store)
		loaded := must(Load[Order](ctx, s, order.ID))
		ensure(t, s.SaveChanges(ctx))
		deepEqual(t, store.Stats().RowsWritten, uint64(1))

		loaded.DeliveryAddress.City = "Aarhus"
		deepEqual(t, s.StatusOf(loaded), StatusUnchanged)
		ensure(t, s.SaveChanges(ctx))
		deepEqual(t, store.Stats().RowsWritten, uint64(2))

		s2 := openSession(t, store)
		found := must(Query[Order](s2).Where(Eq("DeliveryAddress.City", "Aarhus")).List(ctx))
		deepEqual(t, ids(found), []uuid.UUID{order.ID})
	})
}

type Cart struct {
	ID         string
	Quantities map[string]int
}

func TestUntouchedMapIsNotRewritten(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, func(store *DocumentStore) {
			Document[Cart](store)
		})
		cart := &Cart{ID: "c1", Quantities: map[string]int{
			"apple": 1, "beer": 2, "cheese": 3, "dill": 4,
			"eggs": 5, "flour": 6, "garlic": 7, "honey": 8,
		}}
		saveAll(t, store, cart)

		for range 20 {
			s := openSession(t, store)
			loaded := must(Load[Cart](ctx, s, "c1"))
			deepEqual(t, loaded, cart)
			ensure(t, s.SaveChanges(ctx))
		}
		deepEqual(t, store.Stats().RowsWritten, uint64(1))

		a := openSession(t, store)
		must(Load[Cart](ctx, a, "c1"))
		b := openSession(t, store)
		ensure(t, b.Delete(must(Load[Cart](ctx, b, "c1"))))
		ensure(t, b.SaveChanges(ctx))
		ensure(t, a.SaveChanges(ctx))

		mine := must(Load[Cart](ctx, openSession(t, store), "c1"))
		isnil(t, mine)
	})
}

func TestDeletedElsewhere(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		order := newOrder("8700", "Horsens")
		saveAll(t, store, order)

		a := openSession(t, store)
		mine := must(Load[Order](ctx, a, order.ID))

		b := openSession(t, store)
		theirs := must(Load[Order](ctx, b, order.ID))
		ensure(t, b.Delete(theirs))
		ensure(t, b.SaveChanges(ctx))

		// nothing to write, so the row stays deleted
		ensure(t, a.SaveChanges(ctx))
		c := openSession(t, store)
		isnil(t, must(Load[Order](ctx, c, order.ID)))

		ensure(t, a.Store(mine))
		err := a.SaveChanges(ctx)
		wantErr(t, err, ErrPersistence)
		wantErr(t, err, backend.ErrRowNotFound)
		var pe *PersistenceError
		if !errors.As(err, &pe) || pe.Op != "UPDATE" || pe.Table != "Order" {
			t.Fatalf("** got %v, wanted UPDATE PersistenceError", err)
		}
		deepEqual(t, a.StatusOf(mine), StatusDirty)
	})
}

func TestDuplicateInsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		order := newOrder("8700", "Horsens")
		saveAll(t, store, order)

		s := openSession(t, store)
		dup := newOrder("9000", "Aalborg")
		dup.ID = order.ID
		ensure(t, s.Store(dup))
		err := s.SaveChanges(ctx)
		wantErr(t, err, ErrPersistence)
		wantErr(t, err, backend.ErrDuplicateKey)
		deepEqual(t, s.StatusOf(dup), StatusNew)
	})
}

var errInjected = errors.New("injected failure")

// faultyBackend fails the n-th write (counting from 1) of every transaction.
type faultyBackend struct {
	backend.Backend
	failAt int
}

func (b *faultyBackend) Begin(ctx context.Context) (backend.Tx, error) {
	tx, err := b.Backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, failAt: b.failAt}, nil
}

type faultyTx struct {
	backend.Tx
	failAt int
	writes int
}

func (tx *faultyTx) fail() error {
	tx.writes++
	if tx.writes == tx.failAt {
		return errInjected
	}
	return nil
}

func (tx *faultyTx) Insert(ctx context.Context, table string, row backend.Row) error {
	if err := tx.fail(); err != nil {
		return err
	}
	return tx.Tx.Insert(ctx, table, row)
}

func (tx *faultyTx) Update(ctx context.Context, table string, row backend.Row) error {
	if err := tx.fail(); err != nil {
		return err
	}
	return tx.Tx.Update(ctx, table, row)
}

func TestSaveChangesRollsBackAndRetries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		faulty := &faultyBackend{Backend: be, failAt: 2}
		store := setup(t, faulty, configureOrders)

		s := openSession(t, store)
		a, b := newOrder("8700", "Horsens"), newOrder("9000", "Aalborg")
		ensure(t, s.Store(a))
		ensure(t, s.Store(b))

		err := s.SaveChanges(ctx)
		wantErr(t, err, errInjected)
		deepEqual(t, s.StatusOf(a), StatusNew)
		deepEqual(t, s.StatusOf(b), StatusNew)
		isempty(t, must(be.Scan(ctx, "Order", nil)))

		faulty.failAt = 0
		ensure(t, s.SaveChanges(ctx))
		deepEqual(t, s.StatusOf(a), StatusUnchanged)
		deepEqual(t, s.StatusOf(b), StatusUnchanged)

		s2 := openSession(t, store)
		deepEqual(t, len(must(Query[Order](s2).List(ctx))), 2)
	})
}

func TestUnregisteredType(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		store := setup(t, be, configureOrders)
		s := openSession(t, store)
		wantErr(t, s.Store(&Counter{Key: 1}), ErrConfiguration)
		wantErr(t, s.Store(Counter{Key: 1}), ErrConfiguration)
		_, err := Query[Counter](s).Count(context.Background())
		wantErr(t, err, ErrConfiguration)
	})
}

func TestStoreRevivesDeletedEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		order := newOrder("8700", "Horsens")
		saveAll(t, store, order)

		s := openSession(t, store)
		loaded := must(Load[Order](ctx, s, order.ID))
		ensure(t, s.Delete(loaded))
		ensure(t, s.Store(loaded))
		deepEqual(t, s.StatusOf(loaded), StatusDirty)
		ensure(t, s.SaveChanges(ctx))

		s2 := openSession(t, store)
		deepEqual(t, ids(must(Query[Order](s2).List(ctx))), []uuid.UUID{order.ID})
	})
}

func TestDeleteTwiceFromTwoSessions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		order := newOrder("8700", "Horsens")
		saveAll(t, store, order)

		a, b := openSession(t, store), openSession(t, store)
		ensure(t, a.Delete(must(Load[Order](ctx, a, order.ID))))
		ensure(t, b.Delete(must(Load[Order](ctx, b, order.ID))))
		ensure(t, a.SaveChanges(ctx))
		ensure(t, b.SaveChanges(ctx))

		c := openSession(t, store)
		deepEqual(t, must(Query[Order](c).Count(ctx)), 0)
	})
}
