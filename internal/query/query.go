// Package query builds the predicate lists the document store executes
// for the public feed, and drives cursor pagination over the results.
package query

import (
	"context"
	"strings"

	"github.com/knowspace/knowspace/internal/models"
)

// Op identifies a predicate operation. The set mirrors what the
// document store supports: equality, substring match, cursor-after,
// ordering and limit.
type Op string

const (
	OpEqual       Op = "equal"
	OpContains    Op = "contains"
	OpCursorAfter Op = "cursorAfter"
	OpOrderDesc   Op = "orderDesc"
	OpLimit       Op = "limit"
)

// Fields predicates can address.
const (
	FieldStatus     = "status"
	FieldCategory   = "category"
	FieldTitle      = "title"
	FieldAuthorName = "authorName"
	FieldCreatedAt  = "createdAt"
)

// Predicate is one clause of a composed list query.
type Predicate struct {
	Op    Op
	Field string
	Value any
}

// SearchMode selects which field a search term matches against. The
// two modes are mutually exclusive.
type SearchMode string

const (
	SearchByTitle  SearchMode = "title"
	SearchByAuthor SearchMode = "author"
)

// CategoryAll is the sentinel meaning "no category filter".
const CategoryAll = "all"

// FilterState captures the feed filter selections driving one listing
// query. Cursor is nil for the first page.
type FilterState struct {
	Category   string
	SearchTerm string
	SearchMode SearchMode
	Cursor     *string
}

// Compose translates a FilterState into the ordered predicate list for
// one page of size pageSize. Every query restricts to active posts,
// sorts by creation time descending and limits to pageSize; the
// optional clauses follow from the filter selections.
func Compose(f FilterState, pageSize int) []Predicate {
	preds := []Predicate{
		{Op: OpEqual, Field: FieldStatus, Value: models.PostStatusActive},
		{Op: OpOrderDesc, Field: FieldCreatedAt},
		{Op: OpLimit, Value: pageSize},
	}
	if f.Cursor != nil && *f.Cursor != "" {
		preds = append(preds, Predicate{Op: OpCursorAfter, Value: *f.Cursor})
	}
	if f.Category != "" && f.Category != CategoryAll {
		preds = append(preds, Predicate{Op: OpEqual, Field: FieldCategory, Value: f.Category})
	}
	if term := strings.TrimSpace(f.SearchTerm); term != "" {
		field := FieldTitle
		if f.SearchMode == SearchByAuthor {
			field = FieldAuthorName
		}
		preds = append(preds, Predicate{Op: OpContains, Field: field, Value: term})
	}
	return preds
}

// NextCursor derives the cursor for the page after this one: the ID of
// the last item, defined only when the page came back full. A short
// page means the traversal is complete.
func NextCursor(page *models.PaginatedPosts, pageSize int) *string {
	if page == nil || len(page.Posts) != pageSize {
		return nil
	}
	id := page.Posts[len(page.Posts)-1].ID
	return &id
}

// Decoded is the flattened form of a predicate list, for store
// backends that execute the clauses natively.
type Decoded struct {
	Limit      int
	Cursor     string
	Status     string
	Category   string
	TitleTerm  string
	AuthorTerm string
}

// Decode flattens a predicate list into its Decoded form. Unknown
// fields are ignored.
func Decode(preds []Predicate) Decoded {
	var d Decoded
	for _, p := range preds {
		switch p.Op {
		case OpLimit:
			d.Limit, _ = p.Value.(int)
		case OpCursorAfter:
			d.Cursor, _ = p.Value.(string)
		case OpEqual:
			switch p.Field {
			case FieldStatus:
				d.Status, _ = p.Value.(string)
			case FieldCategory:
				d.Category, _ = p.Value.(string)
			}
		case OpContains:
			switch p.Field {
			case FieldTitle:
				d.TitleTerm, _ = p.Value.(string)
			case FieldAuthorName:
				d.AuthorTerm, _ = p.Value.(string)
			}
		}
	}
	return d
}

// ListFunc executes a composed predicate list against the document
// store.
type ListFunc func(ctx context.Context, preds []Predicate) (*models.PaginatedPosts, error)

// Pager walks a filtered listing page by page, advancing the cursor
// from each full page. Store errors propagate unchanged and do not
// advance the cursor.
type Pager struct {
	list     ListFunc
	filter   FilterState
	pageSize int
	done     bool
	started  bool
}

func NewPager(list ListFunc, filter FilterState, pageSize int) *Pager {
	filter.Cursor = nil
	return &Pager{list: list, filter: filter, pageSize: pageSize}
}

// HasNext reports whether another page may exist. It is true until a
// fetched page comes back short.
func (p *Pager) HasNext() bool {
	return !p.done
}

// Next fetches the next page and advances the cursor.
func (p *Pager) Next(ctx context.Context) (*models.PaginatedPosts, error) {
	page, err := p.list(ctx, Compose(p.filter, p.pageSize))
	if err != nil {
		return nil, err
	}
	p.started = true
	p.filter.Cursor = NextCursor(page, p.pageSize)
	p.done = p.filter.Cursor == nil
	return page, nil
}
