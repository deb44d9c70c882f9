package models

type Product struct {
	Identifier     string  `json:"identifier"`
	Title          string  `json:"title"`
	LocalizedPrice string  `json:"localized_price"`
	Price          float64 `json:"price"`
	Description    string  `json:"description"`
}
