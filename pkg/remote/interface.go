// Package remote describes paged remote data sources and stitches their pages
// into a single result.
package remote

import (
	"context"

	"github.com/raterudder/octosync/pkg/types"
)

// Source fetches one page of T for query Q. An empty cursor requests the first
// page. A not-found response is an empty page, not an error. Sources that don't
// paginate always return an empty Cursor.
type Source[Q any, T any] interface {
	Fetch(ctx context.Context, token *types.Token, query Q, cursor string) (types.PagedResult[T], error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc[Q any, T any] func(ctx context.Context, token *types.Token, query Q, cursor string) (types.PagedResult[T], error)

func (f SourceFunc[Q, T]) Fetch(ctx context.Context, token *types.Token, query Q, cursor string) (types.PagedResult[T], error) {
	return f(ctx, token, query, cursor)
}
