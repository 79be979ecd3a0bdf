package domain

// Book is the lending-relevant projection of a row in books.
type Book struct {
	ID              int64  `json:"id" db:"id"`
	Title           string `json:"title" db:"title"`
	Author          string `json:"author" db:"author"`
	TotalCopies     int    `json:"total_copies" db:"total_copies"`
	AvailableCopies int    `json:"available_copies" db:"available_copies"`
}

// LentCopies is the number of copies currently out.
func (b Book) LentCopies() int {
	return b.TotalCopies - b.AvailableCopies
}

// InBounds reports whether 0 <= available_copies <= total_copies holds.
func (b Book) InBounds() bool {
	return b.AvailableCopies >= 0 && b.AvailableCopies <= b.TotalCopies
}

// AvailabilityResponse is returned by the availability endpoint.
type AvailabilityResponse struct {
	BookID          int64 `json:"book_id"`
	TotalCopies     int   `json:"total_copies"`
	AvailableCopies int   `json:"available_copies"`
}
