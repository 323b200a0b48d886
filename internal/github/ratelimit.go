package github

import (
	"errors"
	"math"
	"net/http"
	"time"

	gogithub "github.com/google/go-github/v60/github"
)

const (
	// throttleThreshold is the remaining request count below which we throttle.
	throttleThreshold = 100

	// maxBackoff is the maximum backoff duration.
	maxBackoff = 60 * time.Second

	// maxRetries is the maximum number of retries for server errors.
	maxRetries = 3

	// defaultRateLimitWait applies when GitHub gives no hint about the reset.
	defaultRateLimitWait = 60 * time.Second
)

// throttleWait returns how long to pause before the next request when the
// response shows the rate limit budget running low.
func throttleWait(resp *gogithub.Response) time.Duration {
	if resp == nil || resp.Rate.Limit == 0 {
		return 0
	}
	if resp.Rate.Remaining >= throttleThreshold {
		return 0
	}
	return untilReset(resp.Rate)
}

// retryWait decides whether a failed request is worth repeating and how long
// to wait first. attempt is the 0-indexed attempt that just failed.
func retryWait(err error, resp *gogithub.Response, attempt int) (time.Duration, bool) {
	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		if wait := untilReset(rateErr.Rate); wait > 0 {
			return wait, true
		}
		return defaultRateLimitWait, true
	}

	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		if abuseErr.RetryAfter != nil {
			return *abuseErr.RetryAfter, true
		}
		return defaultRateLimitWait, true
	}

	if isServerError(resp) && attempt < maxRetries {
		return backoffDuration(attempt), true
	}
	return 0, false
}

func untilReset(rate gogithub.Rate) time.Duration {
	if rate.Reset.IsZero() {
		return 0
	}
	d := time.Until(rate.Reset.Time)
	if d < 0 {
		return 0
	}
	return d
}

// backoffDuration calculates exponential backoff duration for the given
// attempt number (0-indexed). The progression is 1s, 2s, 4s, 8s, ... capped
// at maxBackoff (60s).
func backoffDuration(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// isServerError returns true if the response has a 5xx status code.
func isServerError(resp *gogithub.Response) bool {
	return resp != nil && resp.Response != nil &&
		resp.StatusCode >= http.StatusInternalServerError && resp.StatusCode < 600
}
