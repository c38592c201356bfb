package denylist

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultFeedURL is the public ipsum aggregate: one IP per line followed by
// the number of blocklists that reported it (1-8).
const DefaultFeedURL = "https://raw.githubusercontent.com/stamparm/ipsum/master/ipsum.txt"

// Feed supplies deny list identifiers at a given severity threshold.
type Feed interface {
	Fetch(ctx context.Context, threshold int) ([]string, error)
}

// HTTPFeed fetches an ipsum-format text feed over HTTP.
type HTTPFeed struct {
	url    string
	client *http.Client
}

// NewHTTPFeed constructs a feed for the given URL, or DefaultFeedURL when
// empty.
func NewHTTPFeed(url string) *HTTPFeed {
	if url == "" {
		url = DefaultFeedURL
	}

	return &HTTPFeed{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads the feed and returns every IP reported by at least
// threshold sources.
func (f *HTTPFeed) Fetch(ctx context.Context, threshold int) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("denylist: feed returned status %d", resp.StatusCode)
	}

	var ips []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ip, score, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(score))
		if err != nil || n < threshold {
			continue
		}

		ips = append(ips, ip)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return ips, nil
}
