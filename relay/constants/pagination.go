package constant

// Listing limits for the orders API.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)
