package constant

// HTTP headers read or written by the API.
const (
	HeaderUserAgent = "User-Agent"
	HeaderID        = "X-Request-Id"
)
