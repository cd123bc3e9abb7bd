package lookup

import "context"

// Searcher runs a text query against the system of record.
type Searcher interface {
	Search(ctx context.Context, kind Kind, text string) ([]Candidate, error)
}
