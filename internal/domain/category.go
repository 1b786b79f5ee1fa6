package domain

import "fmt"

// Category is the closed set of bill categories that can be swapped.
type Category string

const (
	CategoryElectric  Category = "electric"
	CategoryGas       Category = "gas"
	CategoryWater     Category = "water"
	CategoryInternet  Category = "internet"
	CategoryPhone     Category = "phone"
	CategoryStreaming Category = "streaming"
	CategoryInsurance Category = "insurance"
	CategoryAutoLoan  Category = "auto_loan"
	CategoryRent      Category = "rent"
)

// AllCategories lists every known category in display order.
func AllCategories() []Category {
	return []Category{
		CategoryElectric, CategoryGas, CategoryWater,
		CategoryInternet, CategoryPhone, CategoryStreaming,
		CategoryInsurance, CategoryAutoLoan, CategoryRent,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryElectric, CategoryGas, CategoryWater,
		CategoryInternet, CategoryPhone, CategoryStreaming,
		CategoryInsurance, CategoryAutoLoan, CategoryRent:
		return true
	}
	return false
}

// Label is the human readable category name.
func (c Category) Label() string {
	switch c {
	case CategoryElectric:
		return "Electric"
	case CategoryGas:
		return "Gas"
	case CategoryWater:
		return "Water"
	case CategoryInternet:
		return "Internet"
	case CategoryPhone:
		return "Phone"
	case CategoryStreaming:
		return "Streaming"
	case CategoryInsurance:
		return "Insurance"
	case CategoryAutoLoan:
		return "Auto Loan"
	case CategoryRent:
		return "Rent"
	}
	return string(c)
}

// ParseCategory validates s as a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidBill, s)
	}
	return c, nil
}
