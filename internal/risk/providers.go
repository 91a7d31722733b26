package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/openidx/loginguard/internal/common/resilience"
	"github.com/openidx/loginguard/internal/metrics"
)

const maxProviderBody = 64 << 10

// ReputationProvider is an external IP reputation API
type ReputationProvider interface {
	Name() string
	// Check reports whether the provider considers ip an anonymizing network.
	// It returns ErrNotConfigured when no API key is set.
	Check(ctx context.Context, ip string) (bool, error)
}

// IPQualityScoreClient queries the IPQualityScore proxy detection API
type IPQualityScoreClient struct {
	apiKey         string
	baseURL        string
	fraudThreshold int
	client         resilience.HTTPDoer
}

// NewIPQualityScoreClient creates a client. A blank apiKey yields a client
// whose Check always returns ErrNotConfigured.
func NewIPQualityScoreClient(apiKey, baseURL string, fraudThreshold int, client resilience.HTTPDoer) *IPQualityScoreClient {
	return &IPQualityScoreClient{
		apiKey:         strings.TrimSpace(apiKey),
		baseURL:        strings.TrimRight(baseURL, "/"),
		fraudThreshold: fraudThreshold,
		client:         client,
	}
}

func (c *IPQualityScoreClient) Name() string { return "ipqualityscore" }

type ipqsResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Proxy      bool   `json:"proxy"`
	VPN        bool   `json:"vpn"`
	Tor        bool   `json:"tor"`
	FraudScore int    `json:"fraud_score"`
}

func (c *IPQualityScoreClient) Check(ctx context.Context, ip string) (bool, error) {
	if c.apiKey == "" {
		return false, ErrNotConfigured
	}
	endpoint := fmt.Sprintf("%s/%s/%s?strictness=1&allow_public_access_points=true",
		c.baseURL, url.PathEscape(c.apiKey), url.PathEscape(ip))

	var body ipqsResponse
	if err := getJSON(ctx, c.client, c.Name(), endpoint, &body); err != nil {
		return false, err
	}
	if !body.Success {
		return false, fmt.Errorf("ipqualityscore: %s", body.Message)
	}
	return body.Proxy || body.VPN || body.Tor || body.FraudScore > c.fraudThreshold, nil
}

// ProxyCheckClient queries the proxycheck.io v2 API
type ProxyCheckClient struct {
	apiKey        string
	baseURL       string
	riskThreshold int
	client        resilience.HTTPDoer
}

// NewProxyCheckClient creates a client. A blank apiKey yields a client whose
// Check always returns ErrNotConfigured.
func NewProxyCheckClient(apiKey, baseURL string, riskThreshold int, client resilience.HTTPDoer) *ProxyCheckClient {
	return &ProxyCheckClient{
		apiKey:        strings.TrimSpace(apiKey),
		baseURL:       strings.TrimRight(baseURL, "/"),
		riskThreshold: riskThreshold,
		client:        client,
	}
}

func (c *ProxyCheckClient) Name() string { return "proxycheck" }

type proxyCheckEntry struct {
	Proxy string `json:"proxy"`
	Type  string `json:"type"`
	Risk  int    `json:"risk"`
}

func (c *ProxyCheckClient) Check(ctx context.Context, ip string) (bool, error) {
	if c.apiKey == "" {
		return false, ErrNotConfigured
	}
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("vpn", "1")
	q.Set("risk", "1")
	endpoint := c.baseURL + "/" + url.PathEscape(ip) + "?" + q.Encode()

	// The response is keyed by the queried address next to a status field
	var body map[string]json.RawMessage
	if err := getJSON(ctx, c.client, c.Name(), endpoint, &body); err != nil {
		return false, err
	}

	var status string
	if raw, ok := body["status"]; ok {
		_ = json.Unmarshal(raw, &status)
	}
	if status != "ok" && status != "warning" {
		var msg string
		_ = json.Unmarshal(body["message"], &msg)
		return false, fmt.Errorf("proxycheck status %q: %s", status, msg)
	}

	raw, ok := body[ip]
	if !ok {
		return false, nil
	}
	var entry proxyCheckEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false, fmt.Errorf("decode proxycheck entry: %w", err)
	}
	return strings.EqualFold(entry.Proxy, "yes") || entry.Type == "VPN" || entry.Risk > c.riskThreshold, nil
}

// getJSON issues a GET and decodes a 200 response into out
func getJSON(ctx context.Context, client resilience.HTTPDoer, provider, endpoint string, out interface{}) (err error) {
	defer func() {
		if err != nil {
			metrics.RecordProviderRequest(provider, err)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", provider, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", provider, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProviderBody)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", provider, err)
	}
	metrics.RecordProviderRequest(provider, nil)
	return nil
}
