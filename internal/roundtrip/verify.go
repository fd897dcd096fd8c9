package roundtrip

import (
	"context"
	"fmt"

	"jsonrel/internal/schema"
)

// Pair links an input document with the root row it was committed as.
type Pair struct {
	Doc   int
	ID    int64
	Value any
}

// Mismatch is a document that did not survive the round trip.
type Mismatch struct {
	Doc  int
	ID   int64
	Want any
	Got  any
}

func (m Mismatch) String() string {
	return fmt.Sprintf("document %d (row %d) differs after round trip", m.Doc, m.ID)
}

// Verify rebuilds every pair's row and compares it with the input. Arrays are
// compared without regard to order since bridge tables do not keep one.
func Verify(ctx context.Context, r RowReader, m *schema.Model, table string, pairs []Pair) ([]Mismatch, error) {
	table = schema.TableName(table)
	var out []Mismatch
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		got, err := ToValue(ctx, r, m, table, p.ID)
		if err != nil {
			return out, fmt.Errorf("roundtrip: document %d: %w", p.Doc, err)
		}
		want := Normalize(p.Value, true, true)
		got = Normalize(got, true, true)
		if !Compare(want, got) {
			out = append(out, Mismatch{Doc: p.Doc, ID: p.ID, Want: want, Got: got})
		}
	}
	return out, nil
}
