package hybriddb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/andreyvit/hybriddb/backend"
	"github.com/andreyvit/hybriddb/backend/bolt"
	"github.com/andreyvit/hybriddb/backend/sqlite"
)

type (
	Order struct {
		ID              uuid.UUID
		OrderLines      []OrderLine
		DeliveryAddress *Address
		Note            string
		Total           float64
		PlacedAt        time.Time
	}

	Address struct {
		Street      string
		HouseNumber string
		PostalCode  string
		City        string
	}

	OrderLine struct {
		ItemName string
		Quantity int
	}

	Counter struct {
		Key   int64 `hybriddb:"id"`
		Name  string
		Value int
	}
)

func (a *Address) String() string {
	return fmt.Sprintf("%s %s, %s %s", a.Street, a.HouseNumber, a.PostalCode, a.City)
}

func configureOrders(store *DocumentStore) {
	Document[Order](store).
		Project("DeliveryAddress.HouseNumber").
		Project("DeliveryAddress.PostalCode").
		Project("DeliveryAddress.City")
}

func newOrder(postalCode, city string) *Order {
	return &Order{
		ID: uuid.New(),
		OrderLines: []OrderLine{
			{ItemName: "beer", Quantity: 6},
			{ItemName: "nuts", Quantity: 2},
			{ItemName: "big tv", Quantity: 1},
		},
		DeliveryAddress: &Address{
			Street:      "Torsmark",
			HouseNumber: "6",
			PostalCode:  postalCode,
			City:        city,
		},
		Total:    1999.5,
		PlacedAt: time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC),
	}
}

type backendKind struct {
	name string
	open func(t testing.TB, path string) backend.Backend
}

var backendKinds = []backendKind{
	{"sqlite", func(t testing.TB, path string) backend.Backend {
		be, err := sqlite.Open(path+".sqlite", sqlite.Options{})
		ensure(t, err)
		return be
	}},
	{"bolt", func(t testing.TB, path string) backend.Backend {
		be, err := bolt.Open(path+".bolt", bolt.Options{IsTesting: true})
		ensure(t, err)
		return be
	}},
}

// forEachBackend runs f once per backend kind, each with a fresh, empty
// backend that is closed when the subtest ends.
func forEachBackend(t *testing.T, f func(t *testing.T, be backend.Backend)) {
	for _, kind := range backendKinds {
		t.Run(kind.name, func(t *testing.T) {
			be := kind.open(t, filepath.Join(t.TempDir(), "hybrid"))
			t.Cleanup(func() { be.Close() })
			f(t, be)
		})
	}
}

func forEachBackendKind(t *testing.T, f func(t *testing.T, kind backendKind)) {
	for _, kind := range backendKinds {
		t.Run(kind.name, func(t *testing.T) {
			f(t, kind)
		})
	}
}

func setup(t testing.TB, be backend.Backend, configure func(store *DocumentStore)) *DocumentStore {
	t.Helper()
	store := New(be, Options{
		Logger:  testLogger(t),
		Verbose: true,
	})
	configure(store)
	ensure(t, store.MigrateSchemaToMatchConfiguration(context.Background()))
	return store
}

func openSession(t testing.TB, store *DocumentStore) *Session {
	t.Helper()
	s, err := store.OpenSession()
	ensure(t, err)
	t.Cleanup(s.Close)
	return s
}

func saveAll(t testing.TB, store *DocumentStore, docs ...any) {
	t.Helper()
	s := openSession(t, store)
	for _, doc := range docs {
		ensure(t, s.Store(doc))
	}
	ensure(t, s.SaveChanges(context.Background()))
	s.Close()
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func testLogger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** %v", err)
	}
}

func wantErr(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Fatalf("** got error %v, wanted %v", err, target)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if diff := cmp.Diff(e, a); diff != "" {
		t.Helper()
		t.Errorf("** mismatch (-wanted +got):\n%s", diff)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func ids(orders []*Order) []uuid.UUID {
	result := make([]uuid.UUID, len(orders))
	for i, o := range orders {
		result[i] = o.ID
	}
	return result
}

func TestOrdersByPostalCode(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)

		order := newOrder("8700", "Horsens")
		saveAll(t, store, order)

		s := openSession(t, store)
		found := must(Query[Order](s).Where(Eq("DeliveryAddress.PostalCode", "8700")).List(ctx))
		deepEqual(t, found, []*Order{order})

		found = must(Query[Order](s).Where(Eq("DeliveryAddress.PostalCode", "9000")).List(ctx))
		isempty(t, found)

		st := store.Stats()
		deepEqual(t, st.Queries, uint64(2))
		deepEqual(t, st.PushedQueries, uint64(2))
		deepEqual(t, st.FallbackQueries, uint64(0))
	})
}

func TestStoreLoadRoundTrip(t *testing.T) {
	for _, ser := range []Serializer{MsgPack, JSON} {
		t.Run(ser.Name(), func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, be backend.Backend) {
				ctx := context.Background()
				store := setup(t, be, func(store *DocumentStore) {
					ensure(t, store.UseSerializer(ser))
					configureOrders(store)
					Document[Counter](store).Project("Name")
				})

				order := newOrder("8700", "Horsens")
				counter := &Counter{Key: -42, Name: "visits", Value: 7}
				saveAll(t, store, order, counter)

				s := openSession(t, store)
				deepEqual(t, must(Load[Order](ctx, s, order.ID)), order)
				deepEqual(t, must(Load[Order](ctx, s, order.ID.String())), order)
				deepEqual(t, must(Load[Counter](ctx, s, -42)), counter)
				isnil(t, must(Load[Counter](ctx, s, 43)))
			})
		})
	}
}

func TestLoadReturnsTrackedInstance(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		order := newOrder("8700", "Horsens")
		saveAll(t, store, order)

		s := openSession(t, store)
		a := must(Load[Order](ctx, s, order.ID))
		b := must(Load[Order](ctx, s, order.ID))
		if a != b {
			t.Fatalf("** Load returned different instances %p and %p", a, b)
		}
		c := must(Query[Order](s).Where(Eq("DeliveryAddress.City", "Horsens")).First(ctx))
		if a != c {
			t.Fatalf("** Query returned %p, wanted tracked %p", c, a)
		}
		deepEqual(t, store.Stats().RowsRead, uint64(2))
	})
}

func TestQueryIgnoresUnsavedDocuments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)

		s := openSession(t, store)
		order := newOrder("8700", "Horsens")
		ensure(t, s.Store(order))

		q := Query[Order](s).Where(Eq("DeliveryAddress.PostalCode", "8700"))
		isempty(t, must(q.List(ctx)))

		ensure(t, s.SaveChanges(ctx))
		found := must(q.List(ctx))
		if len(found) != 1 || found[0] != order {
			t.Fatalf("** got %v, wanted the stored instance", found)
		}
	})
}

func TestOpenSessionBeforeMigration(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		store := New(be, Options{Logger: testLogger(t)})
		configureOrders(store)
		_, err := store.OpenSession()
		wantErr(t, err, ErrConfiguration)
	})
}

func TestStats(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		saveAll(t, store, newOrder("8700", "Horsens"), newOrder("9000", "Aalborg"))

		s := openSession(t, store)
		n := must(Query[Order](s).Where(Eq("Note", "")).Count(ctx))
		deepEqual(t, n, 2)

		deepEqual(t, store.Stats(), Stats{
			Sessions:        2,
			RowsRead:        2,
			RowsWritten:     2,
			Queries:         1,
			FallbackQueries: 1,
		})
		deepEqual(t, store.Stats().PushdownRatio(), 0.0)
	})
}

func TestDump(t *testing.T) {
	forEachBackend(t, func(t *testing.T, be backend.Backend) {
		ctx := context.Background()
		store := setup(t, be, configureOrders)
		order := newOrder("8700", "Horsens")
		saveAll(t, store, order)

		out := must(store.Dump(ctx))
		for _, want := range []string{
			"Order (1 rows)",
			"Order.c.DeliveryAddressPostalCode string",
			`DeliveryAddressPostalCode="8700"`,
			order.ID.String(),
			`"City":"Horsens"`,
		} {
			if !strings.Contains(out, want) {
				t.Errorf("** dump lacks %q:\n%s", want, out)
			}
		}
	})
}
