package metrics

import (
	"context"

	"codeberg.org/mutker/actlog/internal/record"
)

// Collector mirrors sampled rows into local storage.
type Collector interface {
	Record(ctx context.Context, row *record.Row) error
	Close() error
}

// Repository defines the interface for row storage
type Repository interface {
	Record(row *record.Row) error
	Flush() error
	Close() error
}
