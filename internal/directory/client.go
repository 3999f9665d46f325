// Package directory talks to the federation's directory authority over HTTP.
// The directory is the source of truth for item rosters, gateway public
// keys, registrations, discovery, and usage record collection. All calls
// carry an RS256 bearer token minted from the gateway's private key and are
// rate limited client-side.
package directory

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/mvera/fedgate/internal/domain/accounting"
	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/pkg/common/logger"
	"github.com/mvera/fedgate/pkg/common/timeutil"
)

// Config holds the connection settings for the directory authority.
type Config struct {
	// Host is the base URL of the directory API, e.g.
	// "https://directory.example.org/api/gtw/v1".
	Host string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// TokenTTL and TokenRefresh control bearer token lifetime.
	TokenTTL     time.Duration
	TokenRefresh time.Duration

	// RequestsPerSecond and Burst shape the client-side rate limit.
	RequestsPerSecond float64
	Burst             int
}

// Client is the HTTP client for the directory authority.
type Client struct {
	cfg     Config
	agid    string
	http    *http.Client
	tokens  *tokenManager
	limiter *rate.Limiter
	logger  *logger.Logger
}

// envelope is the directory's uniform response wrapper.
type envelope struct {
	Error            bool            `json:"error"`
	StatusCode       int             `json:"statusCode"`
	StatusCodeReason string          `json:"statusCodeReason"`
	Message          json.RawMessage `json:"message"`
}

// NewClient builds a directory client. privKey signs the bearer tokens and
// must be the same key the gateway registered with the directory.
func NewClient(cfg Config, agid string, privKey *rsa.PrivateKey, clock timeutil.Provider, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}
	return &Client{
		cfg:     cfg,
		agid:    agid,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  newTokenManager(agid, privKey, cfg.TokenTTL, cfg.TokenRefresh, clock),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  log.With("component", "directory_client"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Host+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return shared.NewError(shared.StatusServiceUnavailable, "directory unreachable: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	if env.Error || resp.StatusCode >= http.StatusBadRequest {
		status := shared.Status(resp.StatusCode)
		if env.StatusCode >= http.StatusBadRequest {
			status = shared.Status(env.StatusCode)
		}
		return shared.NewError(status, "directory %s %s: %s", method, path, env.StatusCodeReason)
	}
	if out != nil && len(env.Message) > 0 {
		if err := json.Unmarshal(env.Message, out); err != nil {
			return fmt.Errorf("decoding payload from %s: %w", path, err)
		}
	}
	return nil
}

// Handshake verifies connectivity and credentials against the directory,
// retrying with exponential backoff. The gateway does not come up without a
// successful handshake.
func (c *Client) Handshake(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxElapsedTime = 5 * time.Minute

	operation := func() error {
		if err := c.do(ctx, http.MethodGet, "/handshake", nil, nil); err != nil {
			c.logger.Warn(ctx, "Directory handshake failed, retrying", "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("directory handshake: %w", err)
	}
	c.logger.Info(ctx, "Directory handshake succeeded", "agid", c.agid)
	return nil
}

// GetItemRoster returns the set of remote items the given object is allowed
// to reach, with their overlay addresses.
func (c *Client) GetItemRoster(ctx context.Context, oid string) ([]overlay.RosterItem, error) {
	var items []overlay.RosterItem
	if err := c.do(ctx, http.MethodGet, "/items/"+url.PathEscape(oid)+"/roster", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// AgentItem is one object registered under a gateway.
type AgentItem struct {
	Oid  string `json:"oid"`
	Name string `json:"name"`
}

// GetAgentItems lists every object registered under this gateway.
func (c *Client) GetAgentItems(ctx context.Context) ([]AgentItem, error) {
	var items []AgentItem
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(c.agid)+"/items", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// RegistrationResult reports the outcome of a registration mutation.
type RegistrationResult struct {
	Registrations []string `json:"registrations"`
	Errors        []string `json:"errors"`
}

// RegisterItems registers new objects under this gateway.
func (c *Client) RegisterItems(ctx context.Context, items []map[string]any) (*RegistrationResult, error) {
	var res RegistrationResult
	body := map[string]any{"agid": c.agid, "items": items}
	if err := c.do(ctx, http.MethodPost, "/items/register", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ModifyItems updates existing registrations.
func (c *Client) ModifyItems(ctx context.Context, items []map[string]any) (*RegistrationResult, error) {
	var res RegistrationResult
	body := map[string]any{"agid": c.agid, "items": items}
	if err := c.do(ctx, http.MethodPut, "/items/modify", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RemoveItems deletes registrations by oid.
func (c *Client) RemoveItems(ctx context.Context, oids []string) (*RegistrationResult, error) {
	var res RegistrationResult
	body := map[string]any{"agid": c.agid, "oids": oids}
	if err := c.do(ctx, http.MethodPost, "/items/remove", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPubkey fetches the PEM public key of another gateway.
func (c *Client) GetPubkey(ctx context.Context, agid string) (string, error) {
	var payload struct {
		Pubkey string `json:"pubkey"`
	}
	if err := c.do(ctx, http.MethodGet, "/gateways/"+url.PathEscape(agid)+"/pubkey", nil, &payload); err != nil {
		return "", err
	}
	return payload.Pubkey, nil
}

// GetAgidByOid resolves which gateway an object belongs to.
func (c *Client) GetAgidByOid(ctx context.Context, oid string) (string, error) {
	var payload struct {
		Agid string `json:"agid"`
	}
	if err := c.do(ctx, http.MethodGet, "/items/"+url.PathEscape(oid)+"/gateway", nil, &payload); err != nil {
		return "", err
	}
	return payload.Agid, nil
}

// PostRecords delivers a batch of usage records for accounting.
func (c *Client) PostRecords(ctx context.Context, records []accounting.Record) error {
	body := map[string]any{"agid": c.agid, "records": records}
	return c.do(ctx, http.MethodPost, "/counters", body, nil)
}

// GetOrganisationNodes lists the gateways visible to this gateway's
// organisation.
func (c *Client) GetOrganisationNodes(ctx context.Context) ([]string, error) {
	var nodes []string
	if err := c.do(ctx, http.MethodGet, "/discovery/nodes/organisation", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetCommunityNodes lists the gateways in a community.
func (c *Client) GetCommunityNodes(ctx context.Context, communityID string) ([]string, error) {
	var nodes []string
	if err := c.do(ctx, http.MethodGet, "/discovery/nodes/community/"+url.PathEscape(communityID), nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetCommunities lists the communities this gateway participates in.
func (c *Client) GetCommunities(ctx context.Context) ([]Community, error) {
	var communities []Community
	if err := c.do(ctx, http.MethodGet, "/discovery/communities", nil, &communities); err != nil {
		return nil, err
	}
	return communities, nil
}

// Community is a named group of collaborating organisations.
type Community struct {
	CommunityID string `json:"communityId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GetPartners lists partner organisations.
func (c *Client) GetPartners(ctx context.Context) ([]string, error) {
	var partners []string
	if err := c.do(ctx, http.MethodGet, "/discovery/partners", nil, &partners); err != nil {
		return nil, err
	}
	return partners, nil
}
