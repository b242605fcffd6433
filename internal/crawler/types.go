package crawler

import "net/http"

// Outcome is the classification of one fetch attempt against a listing URL.
type Outcome string

const (
	// OutcomeGood means the listing resolved with a success status.
	OutcomeGood Outcome = "good"
	// OutcomeBad means the listing is permanently gone: removed, moved away,
	// or rejected with a status that will not recover on retry.
	OutcomeBad Outcome = "bad"
	// OutcomeUnknown covers transient conditions (server errors, rate
	// limiting, network failures) where retrying later may succeed.
	OutcomeUnknown Outcome = "unknown"
)

// Response captures the parts of an HTTP response the classifier and the
// scrapers need. Body is fully read and decoded by the time it is returned.
type Response struct {
	StatusCode   int
	FinalURL     string // URL after any redirects were followed
	Body         []byte
	Headers      http.Header
	ResponseTime int64 // milliseconds
}

// Result is the outcome of one logical fetch: the response if one arrived,
// its classification, and a diagnostic message when the fetch errored.
type Result struct {
	Response *Response
	Outcome  Outcome
	ErrorMsg string
}
