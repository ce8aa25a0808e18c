package dto

// PageResponse is one page of a listing.
type PageResponse[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Pages int   `json:"pages"`
}

// NewPageResponse computes the page count from total and size.
func NewPageResponse[T any](items []T, total int64, page, size int) PageResponse[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if size > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}
	return PageResponse[T]{Items: items, Total: total, Page: page, Size: size, Pages: pages}
}
