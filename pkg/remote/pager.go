package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raterudder/octosync/pkg/apierr"
	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/types"
)

// FetchAll requests pages from src one after another, following the cursor
// until it is empty, and returns every item in arrival order. Any failure
// discards the items gathered so far.
func FetchAll[Q any, T any](ctx context.Context, src Source[Q, T], token *types.Token, query Q) ([]T, error) {
	var (
		items  []T
		cursor string
		pages  int
		seen   = make(map[string]struct{})
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := src.Fetch(ctx, token, query, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page %d: %w", pages+1, err)
		}
		pages++
		items = append(items, page.Items...)

		if page.Cursor == "" {
			break
		}
		if _, ok := seen[page.Cursor]; ok {
			return nil, apierr.Server("fetch all", 0, fmt.Errorf("cursor repeated after page %d: %s", pages, page.Cursor))
		}
		seen[page.Cursor] = struct{}{}
		cursor = page.Cursor
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched all pages",
		slog.Int("pages", pages),
		slog.Int("items", len(items)),
	)
	return items, nil
}
