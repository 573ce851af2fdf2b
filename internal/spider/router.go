package spider

import (
	"context"
	"fmt"
)

// ListRouter dispatches list fetches to a per-target fetcher.
type ListRouter map[string]ListFetcher

// FetchList implements ListFetcher.
func (r ListRouter) FetchList(ctx context.Context, req ListRequest) (ListPage, error) {
	f, ok := r[req.Target]
	if !ok {
		return ListPage{}, fmt.Errorf("%w: %q", ErrTargetNotFound, req.Target)
	}
	return f.FetchList(ctx, req)
}

// DetailRouter dispatches detail fetches to a per-target fetcher.
type DetailRouter map[string]DetailFetcher

// FetchDetail implements DetailFetcher.
func (r DetailRouter) FetchDetail(ctx context.Context, target string, rec LinkRecord) error {
	f, ok := r[target]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTargetNotFound, target)
	}
	return f.FetchDetail(ctx, target, rec)
}
