package hybriddb

import (
	"encoding/json"
	"reflect"
)

type Stats struct {
	Sessions        uint64
	RowsRead        uint64
	RowsWritten     uint64
	Queries         uint64
	PushedQueries   uint64
	FallbackQueries uint64
	RejectedRows    uint64 // candidates dropped by in-process filtering
}

// PushdownRatio is the share of queries answered by the backend alone.
func (s Stats) PushdownRatio() float64 {
	if s.Queries == 0 {
		return 0
	}
	return float64(s.PushedQueries) / float64(s.Queries)
}

func (store *DocumentStore) Stats() Stats {
	return Stats{
		Sessions:        store.SessionCount.Load(),
		RowsRead:        store.ReadCount.Load(),
		RowsWritten:     store.WriteCount.Load(),
		Queries:         store.QueryCount.Load(),
		PushedQueries:   store.PushedCount.Load(),
		FallbackQueries: store.FallbackCount.Load(),
		RejectedRows:    store.RejectedCount.Load(),
	}
}

func loggableDoc(dt *docType, docVal reflect.Value, op writeOp) string {
	if op == opDelete || !docVal.IsValid() {
		return "<none>"
	}
	if dt.suppressContent {
		return "<suppressed>"
	}
	raw, err := json.Marshal(docVal.Interface())
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(raw)
}
