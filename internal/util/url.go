package util

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// NormaliseURL ensures a URL has proper https:// scheme and validates format
func NormaliseURL(rawURL string) string {
	// Clean up the URL by trimming spaces
	rawURL = strings.TrimSpace(rawURL)

	// Skip empty URLs
	if rawURL == "" {
		return ""
	}

	// Convert http:// to https://
	if strings.HasPrefix(rawURL, "http://") {
		rawURL = strings.Replace(rawURL, "http://", "https://", 1)
	}

	// Add https:// prefix if missing
	if !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	// Validate URL format
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		log.Debug().Str("url", rawURL).Err(err).Msg("Invalid URL format")
		return ""
	}

	// Ensure no duplicate schemes (like https://http://example.com)
	hostPart := parsedURL.Host
	if strings.Contains(hostPart, "://") {
		log.Debug().Str("url", rawURL).Msg("URL contains embedded scheme in host part, fixing")
		// Extract the domain part after the embedded scheme
		parts := strings.SplitN(hostPart, "://", 2)
		if len(parts) == 2 {
			parsedURL.Host = parts[1]
			rawURL = parsedURL.String()
		}
	}

	return rawURL
}

// ValidateURL checks that a listing URL is absolute and fetchable.
// Returns an error describing why the URL is invalid, or nil if valid.
func ValidateURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("url does not parse: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url has no host")
	}
	if !strings.Contains(parsed.Host, ".") && !strings.Contains(parsed.Host, ":") {
		return fmt.Errorf("url host %q has no TLD", parsed.Host)
	}

	return nil
}

// normaliseHostPort removes default ports (80 for HTTP, 443 for HTTPS) from host.
func normaliseHostPort(host, scheme string) string {
	if scheme == "http" && strings.HasSuffix(host, ":80") {
		return strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" && strings.HasSuffix(host, ":443") {
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// IsSignificantRedirect checks if a redirect URL is meaningfully different from the original.
// Only the host and path are compared; query parameters and fragments are ignored.
// Returns false for trivial redirects like:
//   - HTTP to HTTPS on same domain/path
//   - www to non-www (or vice versa) on same path
//   - Trailing slash differences
//   - Default port differences (e.g., :443 for HTTPS, :80 for HTTP)
//
// Returns true for redirects to different domains or different paths.
func IsSignificantRedirect(originalURL, redirectURL string) bool {
	if redirectURL == "" {
		return false
	}

	// Parse both URLs
	origParsed, origErr := url.Parse(originalURL)
	redirParsed, redirErr := url.Parse(redirectURL)

	if origErr != nil || redirErr != nil {
		// If we can't parse, assume it's significant
		return true
	}

	// Normalise hosts (remove www prefix, lowercase, strip default ports)
	origHost := normaliseHostPort(origParsed.Host, origParsed.Scheme)
	origHost = strings.ToLower(strings.TrimPrefix(origHost, "www."))
	redirHost := normaliseHostPort(redirParsed.Host, redirParsed.Scheme)
	redirHost = strings.ToLower(strings.TrimPrefix(redirHost, "www."))

	// Different domain = significant
	if origHost != redirHost {
		return true
	}

	// Normalise paths (ensure leading slash, remove trailing slash for comparison)
	origPath := origParsed.Path
	redirPath := redirParsed.Path

	if origPath == "" {
		origPath = "/"
	}
	if redirPath == "" {
		redirPath = "/"
	}

	// Remove trailing slashes for comparison (but "/" stays as "/")
	if len(origPath) > 1 {
		origPath = strings.TrimSuffix(origPath, "/")
	}
	if len(redirPath) > 1 {
		redirPath = strings.TrimSuffix(redirPath, "/")
	}

	// Different path = significant
	if origPath != redirPath {
		return true
	}

	// Same domain and path - not significant (likely HTTP→HTTPS or www→non-www)
	return false
}
