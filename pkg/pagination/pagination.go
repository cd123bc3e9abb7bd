// Package pagination pages the in-memory snapshots held by a workspace.
// Snapshots are small and already sorted, so paging is a slice window
// rather than a query.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Params is the requested window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Malformed values fall back to
// the defaults instead of failing the request; a zero or negative limit
// means the default and limits above MaxLimit are capped.
func FromContext(c echo.Context) Params {
	limit := atoi(c.QueryParam("limit"), DefaultLimit)
	if limit <= 0 {
		limit = DefaultLimit
	}
	return Params{
		Limit:  min(limit, MaxLimit),
		Offset: max(atoi(c.QueryParam("offset"), 0), 0),
	}
}

// Response is one page of T.
type Response[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	// NextOffset is omitted on the last page.
	NextOffset *int `json:"next_offset,omitempty"`
}

// Page copies the window p of items into a Response. Data is never nil.
func Page[T any](items []T, p Params) *Response[T] {
	total := len(items)
	from := min(p.Offset, total)
	to := min(from+p.Limit, total)

	resp := &Response[T]{
		Data:   append(make([]T, 0, to-from), items[from:to]...),
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	}
	if to < total {
		resp.HasMore = true
		resp.NextOffset = &to
	}
	return resp
}

func atoi(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
