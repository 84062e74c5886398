package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/timmy/avcorpus/internal/domain"
)

// ClassifyStatus maps an HTTP status onto a failure class.
func ClassifyStatus(code int) domain.ErrorClass {
	switch {
	case code == http.StatusNotFound:
		return domain.ClassNotFound
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return domain.ClassForbidden
	case code == http.StatusGone:
		return domain.ClassRemoved
	case code == http.StatusTooManyRequests:
		return domain.ClassRateLimited
	case code == http.StatusRequestEntityTooLarge:
		return domain.ClassTooLarge
	default:
		// 5xx, 408 and unknown 4xx are retried; the attempt budget bounds them.
		return domain.ClassTransient
	}
}

func statusError(code int, url string) error {
	return domain.Classify(ClassifyStatus(code), fmt.Errorf("GET %s: status %d", redact(url), code))
}

// stderr markers in priority order; the first match wins.
var ytDlpMarkers = []struct {
	class   domain.ErrorClass
	needles []string
}{
	{domain.ClassRateLimited, []string{"http error 429", "too many requests", "rate-limit", "rate limit"}},
	{domain.ClassRemoved, []string{"has been removed", "account associated with this video has been terminated", "copyright claim", "no longer available"}},
	{domain.ClassForbidden, []string{"private video", "sign in to confirm your age", "members-only", "login required", "http error 403", "sign in to confirm you"}},
	{domain.ClassNotFound, []string{"video unavailable", "does not exist", "is not a valid url", "http error 404", "incomplete youtube id", "unsupported url"}},
}

// ClassifyYtDlp maps yt-dlp's stderr onto a failure class.
func ClassifyYtDlp(stderr string) domain.ErrorClass {
	s := strings.ToLower(stderr)
	for _, m := range ytDlpMarkers {
		for _, needle := range m.needles {
			if strings.Contains(s, needle) {
				return m.class
			}
		}
	}
	return domain.ClassTransient
}

// classifyTransport classifies an error from the HTTP client itself.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrScratchQuota) {
		return domain.Classify(domain.ClassTooLarge, err)
	}
	var ce *domain.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	// Connection resets, timeouts and truncated bodies.
	return domain.Classify(domain.ClassTransient, err)
}

// redact drops the query string, which carries signed tokens for most CDNs.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i] + "?..."
	}
	return url
}
