package http

import "context"

// PageFetcher is a function that fetches a page of items.
// Returns the items, whether there are more pages, and any error.
type PageFetcher[T any] func(ctx context.Context, page int) (items []T, hasMore bool, err error)

// PageIterator provides iteration over paginated API results.
// It lazily fetches pages as needed and stops after MaxPages.
type PageIterator[T any] struct {
	fetch    PageFetcher[T]
	page     int
	maxPages int
	buffer   []T
	done     bool
	err      error
	fetched  int
}

// NewPageIterator creates a new iterator with the given fetch function.
// maxPages <= 0 means no limit.
func NewPageIterator[T any](fetch PageFetcher[T], maxPages int) *PageIterator[T] {
	return &PageIterator[T]{
		fetch:    fetch,
		maxPages: maxPages,
	}
}

// Next returns the next item from the iterator.
// When iteration is complete, returns (zero, false, nil).
func (p *PageIterator[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T

	// Return any previous error
	if p.err != nil {
		return zero, false, p.err
	}

	// Pages may be empty while more remain, so keep fetching.
	for len(p.buffer) == 0 && !p.done {
		if p.maxPages > 0 && p.page >= p.maxPages {
			p.done = true
			break
		}
		items, hasMore, err := p.fetch(ctx, p.page)
		if err != nil {
			p.err = err
			return zero, false, err
		}
		p.buffer = items
		p.done = !hasMore
		p.page++
	}

	if len(p.buffer) == 0 {
		return zero, false, nil
	}

	item := p.buffer[0]
	p.buffer = p.buffer[1:]
	p.fetched++

	return item, true, nil
}

// All collects all items from the iterator into a slice.
func (p *PageIterator[T]) All(ctx context.Context) ([]T, error) {
	var all []T
	for {
		item, ok, err := p.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return all, nil
		}
		all = append(all, item)
	}
}

// Find returns the first item matching pred, fetching only as many pages
// as needed.
func (p *PageIterator[T]) Find(ctx context.Context, pred func(T) bool) (T, bool, error) {
	for {
		item, ok, err := p.Next(ctx)
		if err != nil || !ok {
			return item, false, err
		}
		if pred(item) {
			return item, true, nil
		}
	}
}

// Fetched returns the number of items fetched so far.
func (p *PageIterator[T]) Fetched() int {
	return p.fetched
}
