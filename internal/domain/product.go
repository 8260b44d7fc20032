package domain

import "time"

type Product struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Image        string    `json:"image"`
	Price        int64     `json:"price"`
	CountInStock int       `json:"count_in_stock"`
	SellerName   string    `json:"seller_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
