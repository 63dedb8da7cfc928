package hybriddb

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/andreyvit/hybriddb/backend"
)

// MigrateSchemaToMatchConfiguration freezes the configuration and converges
// every registered type's table to its declared layout: missing tables are
// created and missing projection columns are added. Nothing is ever dropped,
// so projections removed from the configuration leave dead columns behind.
//
// Types are migrated in registration order. A failure on one type is
// reported as a *MigrationError and does not stop the remaining types; the
// returned error joins all failures. Documents of a failed type cannot be
// used until a later call migrates them successfully.
//
// Fails with a *ConfigurationError while sessions are open or while
// projection declarations have pending errors.
func (store *DocumentStore) MigrateSchemaToMatchConfiguration(ctx context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.openSessions > 0 {
		return configErrf(nil, "", nil, "cannot migrate with %d open sessions", store.openSessions)
	}
	if err := store.pendingConfigErrors(); err != nil {
		return err
	}
	store.frozen = true

	var errs []error
	for _, dt := range store.types {
		err := store.migrateType(ctx, dt)
		dt.migrated = err == nil
		dt.migrationErr = err
		if err != nil {
			store.logger.LogAttrs(ctx, slog.LevelError, "hybriddb: migration failed",
				slog.String("table", dt.table),
				slog.Any("err", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (store *DocumentStore) migrateType(ctx context.Context, dt *docType) error {
	actual, err := store.be.Columns(ctx, dt.table)
	if errors.Is(err, backend.ErrTableNotFound) {
		err = store.be.CreateTable(ctx, dt.table, dt.info.idType)
		if err != nil {
			return migrationErrf(dt, "", err, "cannot create table")
		}
		store.logger.LogAttrs(ctx, slog.LevelInfo, "hybriddb: created table",
			slog.String("table", dt.table),
			slog.String("id_type", dt.info.idType.String()))
		actual, err = store.be.Columns(ctx, dt.table)
	}
	if err != nil {
		return migrationErrf(dt, "", err, "cannot read table layout")
	}

	// keyed by lower-case name, SQL identifiers are case-insensitive
	actualCols := make(map[string]backend.Column, len(actual))
	for _, c := range actual {
		actualCols[strings.ToLower(c.Name)] = c
	}
	if c, ok := actualCols[strings.ToLower(backend.IDColumn)]; !ok || c.Type != dt.info.idType {
		return migrationErrf(dt, backend.IDColumn, nil, "identifier column is %v, wanted %v", c.Type, dt.info.idType)
	}
	if _, ok := actualCols[strings.ToLower(backend.PayloadColumn)]; !ok {
		return migrationErrf(dt, backend.PayloadColumn, nil, "payload column is missing")
	}

	var added []*Projection
	for _, p := range dt.projections {
		if c, ok := actualCols[strings.ToLower(p.Column)]; ok {
			if c.Name != p.Column {
				return migrationErrf(dt, p.Column, nil, "column exists as %s, projection %s wants %s", c.Name, p.Path, p.Column)
			}
			if c.Type != p.Type {
				return migrationErrf(dt, p.Column, nil, "column is %v, projection %s wants %v", c.Type, p.Path, p.Type)
			}
			continue
		}
		err := store.be.AddColumn(ctx, dt.table, backend.Column{Name: p.Column, Type: p.Type})
		if err != nil {
			return migrationErrf(dt, p.Column, err, "cannot add column")
		}
		store.logger.LogAttrs(ctx, slog.LevelInfo, "hybriddb: added column",
			slog.String("table", dt.table),
			slog.String("column", p.Column),
			slog.String("type", p.Type.String()),
			slog.String("path", p.Path))
		added = append(added, p)
	}

	if len(added) > 0 && store.backfill {
		if err := store.backfillType(ctx, dt); err != nil {
			return migrationErrf(dt, "", err, "cannot backfill new columns")
		}
	}
	return nil
}

// backfillType recomputes every projected column of every existing row.
func (store *DocumentStore) backfillType(ctx context.Context, dt *docType) error {
	start := time.Now()
	rows, err := store.be.Scan(ctx, dt.table, nil)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	store.logger.LogAttrs(ctx, slog.LevelInfo, "hybriddb: backfilling table",
		slog.String("table", dt.table),
		slog.Int("rows", len(rows)))

	tx, err := store.be.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, row := range rows {
		docVal, err := dt.decode(row.Payload)
		if err != nil {
			return err
		}
		cols, err := dt.project(docVal)
		if err != nil {
			return err
		}
		row.Columns = cols
		if err := tx.Update(ctx, dt.table, row); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	store.WriteCount.Add(uint64(len(rows)))
	store.logger.LogAttrs(ctx, slog.LevelInfo, "hybriddb: backfilled table",
		slog.String("table", dt.table),
		slog.Int("rows", len(rows)),
		slog.Int64("ms", time.Since(start).Milliseconds()))
	return nil
}
