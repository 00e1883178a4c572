package throttle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGeoResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json/8.8.8.8":
			_, _ = w.Write([]byte(`{"status":"success","country":"United States","countryCode":"US"}`))
		case "/json/1.1.1.1":
			_, _ = w.Write([]byte(`{"country_name":"Australia"}`))
		case "/json/192.0.2.1":
			_, _ = w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	g := NewHTTPGeoResolver(srv.URL+"/json/{ip}", 6000)
	ctx := context.Background()

	country, err := g.Country(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "United States", country)

	country, err = g.Country(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, "Australia", country)

	_, err = g.Country(ctx, "192.0.2.1")
	assert.ErrorContains(t, err, "reserved range")

	_, err = g.Country(ctx, "9.9.9.9")
	assert.ErrorContains(t, err, "status 429")
}

func TestHTTPGeoResolver_URL(t *testing.T) {
	assert.Equal(t, "http://geo/json/8.8.8.8", NewHTTPGeoResolver("http://geo/json/", 1).url("8.8.8.8"))
	assert.Equal(t, "http://geo/8.8.8.8?fields=country", NewHTTPGeoResolver("http://geo/{ip}?fields=country", 1).url("8.8.8.8"))
}
