package jsonapi

import (
	"net/url"
	"strconv"
)

// Pagination describes one page of a collection.
type Pagination struct {
	Total   int
	Page    int // 1-based
	PerPage int
	BaseURL string
}

// NewPagination normalizes page and perPage.
func NewPagination(total, page, perPage int, baseURL string) *Pagination {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	return &Pagination{Total: total, Page: page, PerPage: perPage, BaseURL: baseURL}
}

// TotalPages returns the number of pages, at least 1.
func (p *Pagination) TotalPages() int {
	return max(1, (p.Total+p.PerPage-1)/p.PerPage)
}

// Bounds returns the slice bounds of the page within a collection of Total items.
func (p *Pagination) Bounds() (lo, hi int) {
	lo = min((p.Page-1)*p.PerPage, p.Total)
	hi = min(lo+p.PerPage, p.Total)
	return lo, hi
}

// Links returns self, first, last and, where they exist, prev and next.
func (p *Pagination) Links() *Links {
	if p.BaseURL == "" {
		return nil
	}
	last := p.TotalPages()
	links := &Links{
		Self:  p.url(p.Page),
		First: p.url(1),
		Last:  p.url(last),
	}
	if p.Page > 1 {
		links.Prev = p.url(p.Page - 1)
	}
	if p.Page < last {
		links.Next = p.url(p.Page + 1)
	}
	return links
}

func (p *Pagination) url(page int) string {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return p.BaseURL
	}
	q := u.Query()
	q.Set("page[number]", strconv.Itoa(page))
	q.Set("page[size]", strconv.Itoa(p.PerPage))
	u.RawQuery = q.Encode()
	return u.String()
}

// Meta returns pagination metadata.
func (p *Pagination) Meta() Meta {
	return Meta{
		"total":    p.Total,
		"page":     p.Page,
		"per_page": p.PerPage,
		"pages":    p.TotalPages(),
	}
}

// Page returns the items of p's page.
func Page[T any](items []T, p *Pagination) []T {
	lo, hi := p.Bounds()
	return items[lo:hi]
}

// ParsePaginationParams reads page[number] and page[size] from query. Page sizes
// are capped at 100.
func ParsePaginationParams(query url.Values, defaultPerPage int) (page, perPage int) {
	page, perPage = 1, defaultPerPage
	if n, err := strconv.Atoi(query.Get("page[number]")); err == nil && n > 0 {
		page = n
	}
	if n, err := strconv.Atoi(query.Get("page[size]")); err == nil && n > 0 {
		perPage = n
	}
	return page, min(perPage, 100)
}
