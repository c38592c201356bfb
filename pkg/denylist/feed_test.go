package denylist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedBody = `# ipsum aggregate
# ip	sources
1.2.3.4	8
5.6.7.8	3
9.9.9.9	6
malformed line
10.0.0.1	notanumber
`

func TestHTTPFeed_Fetch(t *testing.T) {
	ctx := context.Background()
	is := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(feedBody))
	}))
	t.Cleanup(srv.Close)

	feed := NewHTTPFeed(srv.URL)

	ips, err := feed.Fetch(ctx, 6)
	require.NoError(t, err)
	is.Equal([]string{"1.2.3.4", "9.9.9.9"}, ips)

	ips, err = feed.Fetch(ctx, 1)
	require.NoError(t, err)
	is.Equal([]string{"1.2.3.4", "5.6.7.8", "9.9.9.9"}, ips)
}

func TestHTTPFeed_FetchStatusError(t *testing.T) {
	ctx := context.Background()
	is := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTPFeed(srv.URL).Fetch(ctx, 6)
	is.Error(err)
}

func TestNewHTTPFeedDefaultsURL(t *testing.T) {
	is := assert.New(t)

	is.Equal(DefaultFeedURL, NewHTTPFeed("").url)
}
