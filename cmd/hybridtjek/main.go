// Command hybridtjek stores an order in a hybrid document table and finds it
// again by postal code through a projected column.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/andreyvit/hybriddb"
	"github.com/andreyvit/hybriddb/backend"
	"github.com/andreyvit/hybriddb/backend/bolt"
	"github.com/andreyvit/hybriddb/backend/sqlite"
	"github.com/andreyvit/hybriddb/internal/config"
)

type Config struct {
	Backend    string `env:"HYBRID_BACKEND" envDefault:"sqlite"`
	DSN        string `env:"HYBRID_DSN" envDefault:"hybridtjek.db"`
	Verbose    bool   `env:"HYBRID_VERBOSE"`
	PostalCode string `env:"HYBRID_POSTAL_CODE" envDefault:"8700"`
}

type (
	Order struct {
		ID              uuid.UUID
		OrderLines      []OrderLine
		DeliveryAddress *Address
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
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, out, errOut io.Writer, args []string) int {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}

	flagSet := flag.NewFlagSet("hybridtjek", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flagSet.StringVar(&cfg.Backend, "backend", cfg.Backend, "storage backend: sqlite or bolt")
	flagSet.StringVar(&cfg.DSN, "dsn", cfg.DSN, "database file")
	flagSet.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "log every row read and written")
	flagSet.StringVar(&cfg.PostalCode, "postal-code", cfg.PostalCode, "postal code of the stored order")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	if err := tjek(ctx, cfg, logger, out); err != nil {
		logger.LogAttrs(ctx, slog.LevelError, "hybridtjek failed", slog.Any("err", err))
		return 1
	}
	return 0
}

func openBackend(cfg Config) (backend.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlite.Open(cfg.DSN, sqlite.Options{BusyTimeout: 5 * time.Second})
	case "bolt":
		return bolt.Open(cfg.DSN, bolt.Options{})
	default:
		return nil, fmt.Errorf("unknown backend %q, wanted sqlite or bolt", cfg.Backend)
	}
}

func tjek(ctx context.Context, cfg Config, logger *slog.Logger, out io.Writer) error {
	be, err := openBackend(cfg)
	if err != nil {
		return err
	}
	store := hybriddb.New(be, hybriddb.Options{
		Logger:  logger,
		Verbose: cfg.Verbose,
	})
	defer store.Close()

	hybriddb.Document[Order](store).
		Project("DeliveryAddress.HouseNumber").
		Project("DeliveryAddress.PostalCode").
		Project("DeliveryAddress.City")
	if err := store.MigrateSchemaToMatchConfiguration(ctx); err != nil {
		return err
	}

	order := &Order{
		ID: uuid.New(),
		OrderLines: []OrderLine{
			{ItemName: "beer", Quantity: 6},
			{ItemName: "nuts", Quantity: 2},
			{ItemName: "big tv", Quantity: 1},
		},
		DeliveryAddress: &Address{
			Street:      "Torsmark",
			HouseNumber: "4",
			PostalCode:  cfg.PostalCode,
			City:        "Horsens",
		},
	}
	if err := storeOrder(ctx, store, order); err != nil {
		return err
	}

	s, err := store.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()
	orders, err := hybriddb.Query[Order](s).
		Where(hybriddb.Eq("DeliveryAddress.PostalCode", cfg.PostalCode)).
		List(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "found %d order(s) in %s\n", len(orders), cfg.PostalCode)
	for _, o := range orders {
		marker := ""
		if o.ID == order.ID {
			marker = " (new)"
		}
		fmt.Fprintf(out, "%s%s: %d line(s) to %s %s, %s %s\n", o.ID, marker, len(o.OrderLines),
			o.DeliveryAddress.Street, o.DeliveryAddress.HouseNumber,
			o.DeliveryAddress.PostalCode, o.DeliveryAddress.City)
	}
	return nil
}

func storeOrder(ctx context.Context, store *hybriddb.DocumentStore, order *Order) error {
	s, err := store.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Store(order); err != nil {
		return err
	}
	return s.SaveChanges(ctx)
}
