package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/jobscout-io/scout/internal/util"
)

// ErrCircuitOpen is returned once too many consecutive fetches have been
// classified unknown. It signals that the network or the target site is
// degraded, as opposed to any one listing being broken, and is fatal to the
// current run.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Fetcher performs classified fetches of listing URLs with bounded retries,
// politeness pacing, and a consecutive-transient-failure circuit breaker.
// A Fetcher is owned by a single crawl run and is not safe for concurrent use.
type Fetcher struct {
	config              *Config
	colly               *colly.Collector
	limiter             *rate.Limiter
	consecutiveFailures int
}

// NewFetcher creates a Fetcher from the given configuration.
// If config is nil, default configuration is used.
func NewFetcher(config *Config) (*Fetcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch config: %w", err)
	}

	c := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.MaxDepth(1),
		colly.Async(true),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)

	// Traced transport so fetch spans carry connection-level detail.
	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: otelhttp.NewTransport(&http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     120 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		}),
	}
	c.SetClient(httpClient)

	// Browser-like headers to avoid trivial blocking
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")

		log.Debug().
			Str("url", r.URL.String()).
			Msg("Fetcher sending request")
	})

	return &Fetcher{
		config:  config,
		colly:   c,
		limiter: rate.NewLimiter(rate.Every(config.RequestDelay), 1),
	}, nil
}

// Config returns the Fetcher's configuration.
func (f *Fetcher) Config() *Config {
	return f.config
}

// ConsecutiveFailures returns the current count of back-to-back unknown
// classifications feeding the circuit breaker.
func (f *Fetcher) ConsecutiveFailures() int {
	return f.consecutiveFailures
}

// Fetch performs one logical fetch of a listing URL: retry with exponential
// backoff on transport failures, then classification of whatever the final
// attempt produced. The returned error is non-nil only for fatal conditions,
// a tripped circuit breaker or context cancellation; per-URL failures are
// reported through the Result's Outcome instead.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (*Result, error) {
	// Fail fast once the breaker has opened rather than attempting further
	// network I/O against a degraded target.
	if f.consecutiveFailures >= f.config.MaxConsecutiveFailures {
		return nil, fmt.Errorf("%w: %d consecutive transient failures", ErrCircuitOpen, f.consecutiveFailures)
	}

	resp, err := f.fetchWithRetry(ctx, targetURL)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	outcome := Classify(targetURL, resp, err)

	errorMsg := ""
	if err != nil {
		errorMsg = err.Error()
	}

	if outcome == OutcomeUnknown {
		f.consecutiveFailures++
		log.Warn().
			Str("url", targetURL).
			Str("error", errorMsg).
			Int("consecutive_failures", f.consecutiveFailures).
			Msg("Transient fetch failure")

		if f.consecutiveFailures >= f.config.MaxConsecutiveFailures {
			return nil, fmt.Errorf("%w: %d consecutive transient failures", ErrCircuitOpen, f.consecutiveFailures)
		}
	} else {
		f.consecutiveFailures = 0
	}

	return &Result{Response: resp, Outcome: outcome, ErrorMsg: errorMsg}, nil
}

// fetchWithRetry runs up to MaxRetries attempts against the URL. Only
// transport-level failures (no response at all) are retried; any response,
// whatever its status, ends the loop for the classifier to judge. Backoff
// between attempts is RequestDelay * 2^attempt.
func (f *Fetcher) fetchWithRetry(ctx context.Context, targetURL string) (*Response, error) {
	if err := util.ValidateURL(targetURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}

	var lastErr error
	for attempt := 0; attempt < f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := f.config.RequestDelay * time.Duration(1<<(attempt-1))
			log.Debug().
				Str("url", targetURL).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("Retrying fetch after transport failure")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Politeness pacing applies to every attempt, not just the first.
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := f.attempt(ctx, targetURL)
		if resp != nil {
			return resp, nil
		}
		lastErr = err
	}

	return nil, lastErr
}

// attempt performs a single request through a collector clone, capturing
// the response or transport error. The clone keeps per-request handlers off
// the shared collector, matching one collector per Fetcher with one clone
// per attempt.
func (f *Fetcher) attempt(ctx context.Context, targetURL string) (*Response, error) {
	start := time.Now()

	var resp *Response
	var fetchErr error

	clone := f.colly.Clone()

	clone.OnResponse(func(r *colly.Response) {
		resp = &Response{
			StatusCode:   r.StatusCode,
			FinalURL:     r.Request.URL.String(),
			Body:         r.Body,
			ResponseTime: time.Since(start).Milliseconds(),
		}
		if r.Headers != nil {
			resp.Headers = r.Headers.Clone()
		}
	})

	clone.OnError(func(r *colly.Response, err error) {
		fetchErr = err
	})

	// Run the visit in a goroutine so cancellation interrupts the wait.
	done := make(chan error, 1)
	go func() {
		if visitErr := clone.Visit(targetURL); visitErr != nil {
			done <- visitErr
			return
		}
		clone.Wait()
		done <- nil
	}()

	select {
	case err := <-done:
		if resp != nil {
			return resp, nil
		}
		if fetchErr != nil {
			return nil, fetchErr
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no response received for %s", targetURL)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
