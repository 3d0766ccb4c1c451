// Package upstream is the HTTP client for the Cloud Code v1internal API.
// Endpoint rotation lives in the dispatcher; this package exposes the raw
// per-endpoint calls plus the account-provisioning operations
// (loadCodeAssist, onboardUser, fetchAvailableModels).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/antigravity-nexus/internal/util"
	"github.com/pysugar/antigravity-nexus/internal/version"
)

// antigravityVersion is the IDE build the backend expects in User-Agent.
const antigravityVersion = "1.11.9"

// GenerateBaseURLs is the endpoint order for generate calls: daily first,
// prod as fallback.
var GenerateBaseURLs = []string{
	"https://daily-cloudcode-pa.googleapis.com/v1internal",
	"https://cloudcode-pa.googleapis.com/v1internal",
}

// DiscoveryBaseURLs is the endpoint order for loadCodeAssist/onboardUser:
// prod first, since new accounts provision better there.
var DiscoveryBaseURLs = []string{
	"https://cloudcode-pa.googleapis.com/v1internal",
	"https://daily-cloudcode-pa.googleapis.com/v1internal",
}

// ClientMetadata identifies the calling plugin to the backend.
var ClientMetadata = map[string]string{
	"ideType":    "IDE_UNSPECIFIED",
	"platform":   "PLATFORM_UNSPECIFIED",
	"pluginType": "GEMINI",
}

// UserAgent builds the antigravity User-Agent for this host.
func UserAgent() string {
	return fmt.Sprintf("antigravity/%s %s/%s", antigravityVersion, runtime.GOOS, runtime.GOARCH)
}

func apiClientHeader() string {
	return fmt.Sprintf("gl-go/%s agnexus/%s", runtime.Version(), version.Version)
}

// Client performs authenticated calls against the Cloud Code backend.
type Client struct {
	httpClient *http.Client
	generate   []string
	discovery  []string
}

// NewClient creates a Client with the given per-call timeout. The transport
// honours HTTP_PROXY/HTTPS_PROXY from the environment.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		},
		generate:  GenerateBaseURLs,
		discovery: DiscoveryBaseURLs,
	}
}

// GenerateEndpoints returns the generate-call endpoint order.
func (c *Client) GenerateEndpoints() []string {
	return append([]string(nil), c.generate...)
}

// SetGenerateEndpoints overrides the endpoint list (used by tests and
// configuration).
func (c *Client) SetGenerateEndpoints(urls []string) {
	c.generate = append([]string(nil), urls...)
}

// SetDiscoveryEndpoints overrides the discovery endpoint list.
func (c *Client) SetDiscoveryEndpoints(urls []string) {
	c.discovery = append([]string(nil), urls...)
}

// GenerateContent POSTs a unary generateContent call to one endpoint.
func (c *Client) GenerateContent(ctx context.Context, baseURL, accessToken string, payload []byte) (*http.Response, error) {
	return c.do(ctx, fmt.Sprintf("%s:generateContent", baseURL), accessToken, payload)
}

// StreamGenerateContent POSTs a streaming call to one endpoint.
func (c *Client) StreamGenerateContent(ctx context.Context, baseURL, accessToken string, payload []byte) (*http.Response, error) {
	return c.do(ctx, fmt.Sprintf("%s:streamGenerateContent?alt=sse", baseURL), accessToken, payload)
}

// LoadCodeAssistResponse is the subset of the provisioning response the
// resolver consumes.
type LoadCodeAssistResponse struct {
	Project      json.RawMessage `json:"cloudaicompanionProject"`
	CurrentTier  *TierInfo       `json:"currentTier"`
	PaidTier     *TierInfo       `json:"paidTier"`
	AllowedTiers []TierInfo      `json:"allowedTiers"`
}

// TierInfo is one subscription tier entry.
type TierInfo struct {
	ID        string `json:"id"`
	IsDefault bool   `json:"isDefault"`
}

// ProjectID decodes the cloudaicompanionProject field, which the backend
// returns either as a string or as an object with an id.
func (r *LoadCodeAssistResponse) ProjectID() string {
	if len(r.Project) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Project, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(r.Project, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// LoadCodeAssist queries account provisioning, trying each discovery endpoint
// in order.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken string) (*LoadCodeAssistResponse, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"metadata": ClientMetadata,
	})
	var lastErr error
	for _, baseURL := range c.discovery {
		resp, err := c.do(ctx, fmt.Sprintf("%s:loadCodeAssist", baseURL), accessToken, payload)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("loadCodeAssist: %d: %s", resp.StatusCode, util.TruncateLog(string(body), 200))
			continue
		}
		var out LoadCodeAssistResponse
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = fmt.Errorf("loadCodeAssist: decode: %w", err)
			continue
		}
		return &out, nil
	}
	return nil, lastErr
}

// OnboardUserResponse is the long-running-operation envelope onboardUser
// returns.
type OnboardUserResponse struct {
	Done     bool `json:"done"`
	Response struct {
		Project struct {
			ID string `json:"id"`
		} `json:"cloudaicompanionProject"`
	} `json:"response"`
}

// OnboardUser starts (or polls) onboarding for the given tier.
func (c *Client) OnboardUser(ctx context.Context, accessToken, tierID, projectID string) (*OnboardUserResponse, error) {
	req := map[string]interface{}{
		"tierId":   tierID,
		"metadata": ClientMetadata,
	}
	if projectID != "" {
		req["cloudaicompanionProject"] = projectID
	}
	payload, _ := json.Marshal(req)
	var lastErr error
	for _, baseURL := range c.discovery {
		resp, err := c.do(ctx, fmt.Sprintf("%s:onboardUser", baseURL), accessToken, payload)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("onboardUser: %d: %s", resp.StatusCode, util.TruncateLog(string(body), 200))
			continue
		}
		var out OnboardUserResponse
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = fmt.Errorf("onboardUser: decode: %w", err)
			continue
		}
		return &out, nil
	}
	return nil, lastErr
}

// FetchAvailableModels retrieves the model list visible to the token.
func (c *Client) FetchAvailableModels(ctx context.Context, accessToken string) (*http.Response, error) {
	payload, _ := json.Marshal(map[string]interface{}{})
	return c.do(ctx, fmt.Sprintf("%s:fetchAvailableModels", c.discovery[0]), accessToken, payload)
}

func (c *Client) do(ctx context.Context, url, accessToken string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent())
	req.Header.Set("X-Goog-Api-Client", apiClientHeader())
	clientMetadataJSON, _ := json.Marshal(ClientMetadata)
	req.Header.Set("Client-Metadata", string(clientMetadataJSON))

	logrus.WithField("url", url).Debug("upstream request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}
