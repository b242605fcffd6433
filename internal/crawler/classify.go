package crawler

import (
	"errors"
	"net/url"
	"strings"

	"github.com/jobscout-io/scout/internal/util"
)

// ErrMalformedURL marks a listing URL that cannot be fetched at all.
// Classified as a permanent failure, like a too-many-redirects loop.
var ErrMalformedURL = errors.New("malformed url")

// permanentStatusCodes are responses that will not recover on retry.
// Everything else outside 2xx (408, 425, 429, 5xx, unclassified codes)
// is treated as transient.
var permanentStatusCodes = map[int]bool{
	401: true,
	403: true,
	404: true,
	410: true,
}

// Classify maps one fetch attempt to an Outcome. Pure function: it inspects
// only its arguments and never performs I/O.
//
// Rules, in order:
//  1. A response with a 2xx status is good.
//  2. A non-2xx response is bad when the final URL redirected away from the
//     requested listing (the listing moved or was removed) or the status is
//     in the permanent set; otherwise unknown.
//  3. No response but an error: bad for permanent error classes (malformed
//     URL, redirect loop), unknown for everything else.
//  4. Neither response nor error: unknown.
func Classify(requestedURL string, resp *Response, err error) Outcome {
	if resp != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return OutcomeGood
		}
		if util.IsSignificantRedirect(requestedURL, resp.FinalURL) || permanentStatusCodes[resp.StatusCode] {
			return OutcomeBad
		}
		return OutcomeUnknown
	}

	if err != nil {
		if isPermanentError(err) {
			return OutcomeBad
		}
		return OutcomeUnknown
	}

	return OutcomeUnknown
}

// isPermanentError reports whether a transport error can never succeed on
// retry: an unparseable URL or an exhausted redirect chain.
func isPermanentError(err error) bool {
	if errors.Is(err, ErrMalformedURL) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return true
	}

	// net/http reports exhausted redirect chains as
	// "stopped after N redirects" inside a *url.Error.
	msg := err.Error()
	return strings.Contains(msg, "stopped after") && strings.Contains(msg, "redirects")
}
