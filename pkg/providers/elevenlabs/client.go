package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openline-hq/callbridge/pkg/errorsx"
)

const defaultBaseURL = "https://api.elevenlabs.io"

type Config struct {
	APIKey  string `mapstructure:"api_key"`
	AgentID string `mapstructure:"agent_id"`
	BaseURL string `mapstructure:"base_url"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	return c
}

// Client acquires signed conversation endpoints and dials them.
type Client struct {
	cfg        Config
	httpClient *http.Client
	dialer     *websocket.Dialer
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg.withDefaults(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// SignedURL requests a one-time authenticated conversation endpoint for the
// configured agent. The returned URL is time-limited; it is consumed by a
// single DialConversation call. There are no retries: any failure here is
// fatal to the session being set up.
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	if c.cfg.APIKey == "" || c.cfg.AgentID == "" {
		return "", errorsx.Wrap(errors.New("missing elevenlabs credentials"), errorsx.ReasonAgentAuth)
	}
	endpoint := c.cfg.BaseURL + "/v1/convai/conversation/get_signed_url?agent_id=" + url.QueryEscape(c.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonAgentConnect)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonAgentConnect)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errorsx.Wrap(fmt.Errorf("get signed url: %s", resp.Status), errorsx.ReasonAgentAuth)
	}

	var body struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonAgentConnect)
	}
	if body.SignedURL == "" {
		return "", errorsx.Wrap(errors.New("empty signed_url in response"), errorsx.ReasonAgentConnect)
	}
	return body.SignedURL, nil
}

// DialConversation opens the websocket leg to the conversational agent using
// a signed URL obtained from SignedURL. The signed URL already carries the
// authentication, so no headers are needed.
func (c *Client) DialConversation(ctx context.Context, signedURL string) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errorsx.Wrap(fmt.Errorf("dial conversation: %s", resp.Status), errorsx.ReasonAgentAuth)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonAgentConnect)
	}
	return conn, nil
}
