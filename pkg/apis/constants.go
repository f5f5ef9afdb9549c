package apis

const (
	// HTTP Request Fields
	IfMatch = "If-Match"

	// HTTP Response Fields
	ETag = "ETag"

	// Self-defined Fields
	Limit = "limit"
)
