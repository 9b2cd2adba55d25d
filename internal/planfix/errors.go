package planfix

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrRateLimited is matched by errors.Is for any rate-limit signal from the
// API (HTTP 429 or a configured Planfix error code).
var ErrRateLimited = errors.New("planfix: rate limited")

// SourceError is returned when a call fails at the transport level or the
// response envelope carries status="error". Code and Message are copied
// verbatim from the envelope.
type SourceError struct {
	Method     string
	Code       string
	Message    string
	HTTPStatus int
	RateLimit  bool
	RetryAfter time.Duration
	Err        error
}

func (e *SourceError) Error() string {
	var b strings.Builder
	b.WriteString("planfix ")
	b.WriteString(e.Method)
	if e.HTTPStatus != 0 && e.HTTPStatus != http.StatusOK {
		fmt.Fprintf(&b, ": http %d", e.HTTPStatus)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *SourceError) Unwrap() error { return e.Err }

// Is maps rate-limit responses onto ErrRateLimited.
func (e *SourceError) Is(target error) bool {
	if target == ErrRateLimited {
		return e.RateLimit || e.HTTPStatus == http.StatusTooManyRequests
	}
	return false
}

// ParseError is returned when a response body is not a well-formed XML
// envelope. Excerpt holds the start of the body for logging.
type ParseError struct {
	Method  string
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("planfix %s: malformed response (%q): %v", e.Method, e.Excerpt, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limit signal.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

const excerptRunes = 200

// excerpt returns a short, single-line preview of a response body. HTML
// error pages (proxies, gateways) are reduced to their title and text.
func excerpt(body []byte, contentType string) string {
	s := strings.TrimSpace(string(body))
	if looksLikeHTML(s, contentType) {
		if text := htmlText(s); text != "" {
			s = text
		}
	}
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > excerptRunes {
		return string(r[:excerptRunes]) + "..."
	}
	return s
}

func looksLikeHTML(s, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	lower := strings.ToLower(s[:min(len(s), 64)])
	return strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html")
}

func htmlText(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	body := strings.TrimSpace(doc.Find("body").Text())
	switch {
	case title != "" && body != "" && !strings.HasPrefix(body, title):
		return title + ": " + body
	case body != "":
		return body
	default:
		return title
	}
}
