package hybriddb

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/andreyvit/hybriddb/backend"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		if s := err.Error(); s != "oops: inner: (2) aabb" {
			t.Fatalf("err.Error() = %q, wanted %q", s, "oops: inner: (2) aabb")
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		err := dataErrf(data, nil, "oops")
		s := err.Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestErrorKinds(t *testing.T) {
	orderType := reflect.TypeFor[Order]()
	inner := errors.New("inner")
	tests := []struct {
		err    error
		target error
		e      string
	}{
		{
			configErrf(orderType, "DeliveryAddress.Nope", inner, "cannot project"),
			ErrConfiguration,
			"hybriddb: configuration: Order.DeliveryAddress.Nope: cannot project: inner",
		},
		{
			configErrf(nil, "", nil, "nil serializer"),
			ErrConfiguration,
			"hybriddb: configuration: nil serializer",
		},
		{
			&MigrationError{Type: orderType, Table: "Orders", Msg: "cannot create table", Err: inner},
			ErrMigration,
			"hybriddb: migration: Orders: cannot create table: inner",
		},
		{
			identityErrf(orderType, "abc", "not tracked"),
			ErrIdentity,
			"hybriddb: identity: Order/abc: not tracked",
		},
		{
			&PersistenceError{Op: "UPDATE", Table: "Order", ID: "abc", Err: backend.ErrRowNotFound},
			ErrPersistence,
			"hybriddb: persistence: Order/abc: UPDATE: row not found",
		},
		{
			&PersistenceError{Op: "commit", Err: inner},
			ErrPersistence,
			"hybriddb: persistence: commit: inner",
		},
		{
			queryErrf(orderType, "Note", nil, "cannot compare with nil"),
			ErrQuery,
			"hybriddb: query: Order.Note: cannot compare with nil",
		},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.target) {
			t.Errorf("** errors.Is(%v, %v) = false", tt.err, tt.target)
		}
		if a := tt.err.Error(); a != tt.e {
			t.Errorf("** Error() = %q, wanted %q", a, tt.e)
		}
	}

	if !errors.Is(&PersistenceError{Op: "UPDATE", Err: backend.ErrRowNotFound}, backend.ErrRowNotFound) {
		t.Errorf("** PersistenceError does not unwrap")
	}
	if errors.Is(identityErrf(orderType, nil, "x"), ErrConfiguration) {
		t.Errorf("** IdentityError matches ErrConfiguration")
	}
}
