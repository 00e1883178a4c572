package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// GeoResolver maps an IP address to a country name.
type GeoResolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

// HTTPGeoResolver queries a JSON geolocation endpoint such as
// http://ip-api.com/json/{ip}. The URL may contain "{ip}"; otherwise the
// address is appended as a path segment.
type HTTPGeoResolver struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewHTTPGeoResolver(endpoint string, perMinute int) *HTTPGeoResolver {
	if perMinute <= 0 {
		perMinute = 40
	}
	return &HTTPGeoResolver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

type geoResponse struct {
	Status      string `json:"status"`
	Country     string `json:"country"`
	CountryName string `json:"country_name"`
	Message     string `json:"message"`
}

func (g *HTTPGeoResolver) Country(ctx context.Context, ip string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url(ip), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geolocation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geolocation returned status %d", resp.StatusCode)
	}

	var body geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding geolocation response: %w", err)
	}
	if body.Status == "fail" {
		return "", errors.New("geolocation failed: " + body.Message)
	}
	if body.Country != "" {
		return body.Country, nil
	}
	return body.CountryName, nil
}

func (g *HTTPGeoResolver) url(ip string) string {
	escaped := url.PathEscape(ip)
	if strings.Contains(g.endpoint, "{ip}") {
		return strings.ReplaceAll(g.endpoint, "{ip}", escaped)
	}
	return strings.TrimRight(g.endpoint, "/") + "/" + escaped
}
