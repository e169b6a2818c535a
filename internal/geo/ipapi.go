package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/breeze-rmm/rdpwatch/internal/httputil"
)

const userAgent = "rdpwatch"

// IPAPILookup queries ipapi.co-compatible JSON endpoints.
type IPAPILookup struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	retry   httputil.RetryConfig
}

// NewIPAPILookup creates a client allowing at most perMinute requests.
func NewIPAPILookup(baseURL string, perMinute int, timeout time.Duration) *IPAPILookup {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &IPAPILookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		retry: httputil.RetryConfig{
			MaxRetries:    1,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2.0,
			JitterFrac:    0.3,
		},
	}
}

type ipapiResponse struct {
	IP          string `json:"ip"`
	City        string `json:"city"`
	Region      string `json:"region"`
	CountryName string `json:"country_name"`
	Country     string `json:"country"`
	Org         string `json:"org"`
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
}

func (l *IPAPILookup) Lookup(ctx context.Context, ip string) (string, error) {
	if !l.limiter.Allow() {
		return "", ErrRateLimited
	}

	endpoint := l.baseURL + "/" + url.PathEscape(ip) + "/json/"
	headers := http.Header{}
	headers.Set("User-Agent", userAgent)
	headers.Set("Accept", "application/json")

	resp, err := httputil.Do(ctx, l.client, http.MethodGet, endpoint, nil, headers, l.retry)
	if err != nil {
		var statusErr *httputil.RetryableStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
			return "", ErrRateLimited
		}
		return "", fmt.Errorf("geo lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo lookup %s: status %d", ip, resp.StatusCode)
	}

	var body ipapiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return "", fmt.Errorf("geo lookup %s: decode: %w", ip, err)
	}
	if body.Error {
		if strings.Contains(strings.ToLower(body.Reason), "ratelimit") {
			return "", ErrRateLimited
		}
		return "", fmt.Errorf("geo lookup %s: %s", ip, body.Reason)
	}

	summary := FormatSummary(body.City, body.Region, firstNonEmpty(body.CountryName, body.Country), body.Org)
	if summary == "" {
		return "", fmt.Errorf("geo lookup %s: no location in response", ip)
	}
	return summary, nil
}

// FormatSummary renders "City, Region, Country | Org", dropping empty parts.
func FormatSummary(city, region, country, org string) string {
	var parts []string
	for _, p := range []string{city, region, country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	loc := strings.Join(parts, ", ")
	org = strings.TrimSpace(org)
	switch {
	case loc != "" && org != "":
		return loc + " | " + org
	case loc != "":
		return loc
	default:
		return org
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
