package constant

const (
	// DefaultErrorTitle is used when an error response has no specific title.
	DefaultErrorTitle = "request_failed"
	// DefaultInternalErrorMessage hides unclassified server errors from clients.
	DefaultInternalErrorMessage = "An internal error occurred"
)
