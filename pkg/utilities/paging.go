package utilities

// Page describes one page of a listing as returned to clients.
type Page struct {
	PreviousPage int `json:"previousPage"`
	Page         int `json:"page"`
	NextPage     int `json:"nextPage"`
	ItemsPerPage int `json:"itemsPerPage"`
}

// Offset returns the row offset of page (1-based) for perPage rows.
func Offset(page, perPage int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * perPage
}

// NewPage builds the paging block for page given the number of rows fetched.
// A full page is assumed to have a successor.
func NewPage(page, perPage, fetched int) Page {
	if page < 1 {
		page = 1
	}
	p := Page{PreviousPage: page, Page: page, NextPage: page, ItemsPerPage: perPage}
	if page > 1 {
		p.PreviousPage = page - 1
	}
	if perPage > 0 && fetched >= perPage {
		p.NextPage = page + 1
	}
	return p
}
