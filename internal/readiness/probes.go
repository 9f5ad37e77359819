package readiness

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/recoverctl/recoverctl/internal/model"
)

const dbAvailable = "available"

// DatabaseStatusSource reports a managed database's provider status.
type DatabaseStatusSource interface {
	DatabaseStatus(ctx context.Context, identifier string) (string, error)
}

// DatabaseAvailable trusts the provider's reported status.
func DatabaseAvailable(src DatabaseStatusSource, identifier string) Condition {
	return func(ctx context.Context) (bool, error) {
		status, err := src.DatabaseStatus(ctx, identifier)
		if err != nil {
			return false, err
		}
		return status == dbAvailable, nil
	}
}

// NewHTTPClient returns a client that verifies certificates and does not
// follow redirects, so a 3xx from the bound domain itself counts.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// HTTPSReachable is the observed check for a domain binding: the provider
// marks a binding active before its certificate is served, so only a
// completed TLS handshake with a 2xx or 3xx answer counts.
func HTTPSReachable(client *http.Client, url string) Condition {
	return probe(client, url, func(code int) bool { return code >= 200 && code < 400 })
}

// Healthy expects a 2xx from a service health endpoint.
func Healthy(client *http.Client, url string) Condition {
	return probe(client, url, func(code int) bool { return code >= 200 && code < 300 })
}

func probe(client *http.Client, url string, accept func(int) bool) Condition {
	return func(ctx context.Context) (bool, error) {
		if !strings.HasPrefix(url, "https://") {
			return false, fmt.Errorf("probe %s: only https endpoints are probed", url)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if !accept(resp.StatusCode) {
			return false, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return true, nil
	}
}

// Target names something whose readiness a later step depends on.
type Target struct {
	Kind model.Kind
	// Name is the provider identifier, e.g. the database identifier.
	Name string
	// URL is probed for observed readiness.
	URL string
}

// Probes builds conditions for targets.
type Probes struct {
	Database DatabaseStatusSource
	HTTP     *http.Client
}

// ConditionFor picks reported or observed readiness from the kind table.
func (p Probes) ConditionFor(t Target) (Condition, error) {
	spec, err := model.SpecFor(t.Kind)
	if err != nil {
		return nil, err
	}
	switch spec.Readiness {
	case model.ReadinessReported:
		if t.Kind != model.KindDatabase {
			return nil, fmt.Errorf("no reported-status probe for %s", t.Kind)
		}
		if p.Database == nil {
			return nil, fmt.Errorf("no database status source configured")
		}
		return DatabaseAvailable(p.Database, t.Name), nil
	case model.ReadinessObserved:
		if t.URL == "" {
			return nil, fmt.Errorf("%s %s needs a probe URL", t.Kind, t.Name)
		}
		client := p.HTTP
		if client == nil {
			client = NewHTTPClient()
		}
		if t.Kind == model.KindService {
			return Healthy(client, t.URL), nil
		}
		return HTTPSReachable(client, t.URL), nil
	default:
		return func(context.Context) (bool, error) { return true, nil }, nil
	}
}
