/*
Package hybriddb stores Go structs as opaque documents in a relational backend,
and additionally copies selected fields into real, indexed columns.

We implement:

1. Documents: any struct with an identifier field, serialized as a whole into
a payload column (msgpack by default, see Serializer).

2. Projections, declared per document type, mapping a field path such as
DeliveryAddress.PostalCode onto a typed, nullable column.

3. Additive schema migration: tables and projection columns are created when
missing and never dropped.

4. Sessions (unit of work) with an identity map, change tracking and one
atomic SaveChanges.

5. Queries over field paths, pushed down to projected columns when possible
and otherwise finished in process.

# Usage

	store := hybriddb.New(be, hybriddb.Options{})
	hybriddb.Document[Order](store).
		Project("DeliveryAddress.HouseNumber").
		Project("DeliveryAddress.PostalCode").
		Project("DeliveryAddress.City")
	err := store.MigrateSchemaToMatchConfiguration(ctx)

	s, err := store.OpenSession()
	defer s.Close()
	err = s.Store(order)
	err = s.SaveChanges(ctx)
	orders, err := hybriddb.Query[Order](s).
		Where(hybriddb.Eq("DeliveryAddress.PostalCode", "8700")).
		List(ctx)

# Technical Details

**Tables.**
One table per document type, named after the Go type unless overridden.
Columns: Id (the unique identifier), Document (the payload), and one column
per projection, named after the path with the dots removed.

**Configuration errors.**
Builder calls chain and never return errors. A bad projection is recorded
on its document type: DocumentBuilder.Err reports it immediately, and
MigrateSchemaToMatchConfiguration fails with it.

**Identifiers.**
The identifier field is the one tagged `hybriddb:"id"`, else the field named
ID or Id, else the first exported field. String kinds and encoding.TextMarshaler
types (like uuid.UUID) use a string column; integer kinds use an integer
column. Identifiers are assigned by the caller; a zero identifier is an
IdentityError.

**NULL.**
A projection crossing a nil pointer stores NULL. No comparison with NULL
holds, neither in the backend nor in process, so a query answers the same
whether or not a path is projected.

**Change tracking.**
Each tracked entry keeps the payload bytes last read from or written to the
backend. SaveChanges re-serializes unchanged entries and writes those whose
bytes differ, unless the decoded snapshot still deep-equals the document.
Serializers are free to order map entries differently from call to call.

**Conflicts.**
There are no concurrency tokens. Updating a row another session has deleted
fails SaveChanges with a PersistenceError wrapping backend.ErrRowNotFound.
A SaveChanges with nothing to write never touches the backend, so it cannot
resurrect deleted rows.
*/
package hybriddb
