// Package client provides an HTTP API client for tradewired.
package client

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pkg/errors"
)

const DefaultUserAgent = "TradewireClient"

// DefaultURL is where a local tradewired listens by default.
const DefaultURL = "http://localhost:9180"

const basePath = "/tradewire/v1"

// Config holds the connection settings of a Client.
type Config struct {
	// The URL of the tradewired server.
	URL string

	// Timeout for API requests. Defaults to no timeout.
	Timeout time.Duration

	// Token used for bearer authentication.
	// Leave empty when the server does not require authentication.
	Token string

	// InsecureSkipVerify controls whether the client verifies the
	// server's certificate chain and host name.
	InsecureSkipVerify bool

	// Optional TLS config.
	TLSConfig *tls.Config

	// Optional Transport. Defaults to an http.Transport built from the
	// TLS settings above.
	Transport http.RoundTripper
}

// Client communicates with the tradewired HTTP API.
type Client struct {
	url        *url.URL
	userAgent  string
	token      string
	httpClient *http.Client
}

// New returns a client pointed at a tradewired server.
// The URL is the address of the server without the API base path.
func New(conf Config) (*Client, error) {
	if conf.URL == "" {
		conf.URL = DefaultURL
	}
	u, err := url.Parse(conf.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported protocol scheme: %q, your address must start with http:// or https://", u.Scheme)
	}

	rt := conf.Transport
	if rt == nil {
		tr := &http.Transport{
			TLSClientConfig: conf.TLSConfig,
		}
		if conf.InsecureSkipVerify && tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		rt = tr
	}

	return &Client{
		url:       u,
		userAgent: DefaultUserAgent,
		token:     conf.Token,
		httpClient: &http.Client{
			Timeout:   conf.Timeout,
			Transport: rt,
		},
	}, nil
}

// Alert is an alert publication request.
type Alert struct {
	Group    string            `json:"group"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DeliveryResult reports one delivery attempt.
type DeliveryResult struct {
	Destination string  `json:"destination"`
	OK          bool    `json:"ok"`
	Kind        string  `json:"kind,omitempty"`
	LatencyMS   float64 `json:"latencyMs"`
	Error       string  `json:"error,omitempty"`
}

// RouteResult is the response to publishing an alert.
type RouteResult struct {
	Group   string           `json:"group"`
	Level   string           `json:"level"`
	Results []DeliveryResult `json:"results"`
}

// ChannelHealth mirrors the delivery health tracked for a channel.
type ChannelHealth struct {
	Up                  bool      `json:"up"`
	LastSuccess         time.Time `json:"lastSuccess"`
	LastFailure         time.Time `json:"lastFailure"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Channel describes a registered channel.
// Health is nil until the channel has seen at least one delivery.
type Channel struct {
	Name      string         `json:"name"`
	Receiving bool           `json:"receiving"`
	Health    *ChannelHealth `json:"health,omitempty"`
}

// Channels is the channel listing response.
type Channels struct {
	Channels []Channel `json:"channels"`
}

// Group names a routing group and its resolved destinations.
type Group struct {
	Name         string   `json:"name"`
	Destinations []string `json:"destinations"`
}

// Groups is the group listing response.
type Groups struct {
	Groups []Group `json:"groups"`
}

// Commands is the command listing response.
// The names do not include the prefix.
type Commands struct {
	Prefix   string   `json:"prefix"`
	Commands []string `json:"commands"`
}

// Message is a raw inbound message injected over the API.
type Message struct {
	Channel     string    `json:"channel"`
	Destination string    `json:"destination,omitempty"`
	Sender      string    `json:"sender,omitempty"`
	Text        string    `json:"text"`
	Correlation string    `json:"correlation,omitempty"`
	Time        time.Time `json:"time"`
}

// MessageResult reports what the inbound pipeline did with an injected
// message.
type MessageResult struct {
	Command bool   `json:"command"`
	Status  string `json:"status,omitempty"`
	Reply   string `json:"reply,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BaseURL returns the URL of the API endpoints.
func (c *Client) BaseURL() url.URL {
	u := *c.url
	u.Path = basePath
	return u
}

// do performs an API request and decodes the JSON response into result when
// the response code matches one of codes.
func (c *Client) do(req *http.Request, result interface{}, codes ...int) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	valid := false
	for _, code := range codes {
		if resp.StatusCode == code {
			valid = true
			break
		}
	}
	if !valid {
		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		type errResponse struct {
			Error string `json:"error"`
		}
		d := json.NewDecoder(bytes.NewReader(body))
		rp := errResponse{}
		d.Decode(&rp)
		if rp.Error != "" {
			return nil, errors.New(rp.Error)
		}
		return nil, fmt.Errorf("invalid response: code %d: body: %s", resp.StatusCode, string(body))
	}
	if result != nil {
		d := json.NewDecoder(resp.Body)
		if err := d.Decode(result); err != nil {
			return nil, fmt.Errorf("failed to decode JSON: %v", err)
		}
	}
	return resp, nil
}

func (c *Client) get(endpoint string, result interface{}) error {
	u := c.BaseURL()
	u.Path = path.Join(u.Path, endpoint)

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, result, http.StatusOK)
	return err
}

func (c *Client) post(endpoint string, body interface{}, result interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	u := c.BaseURL()
	u.Path = path.Join(u.Path, endpoint)

	req, err := http.NewRequest("POST", u.String(), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, result, http.StatusOK)
	return err
}

// Ping the server. Returns the round trip time and the server version.
func (c *Client) Ping() (time.Duration, string, error) {
	now := time.Now()
	u := c.BaseURL()
	u.Path = path.Join(u.Path, "ping")

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return 0, "", err
	}

	resp, err := c.do(req, nil, http.StatusNoContent)
	if err != nil {
		return 0, "", err
	}
	version := resp.Header.Get("X-Tradewire-Version")
	return time.Since(now), version, nil
}

// PublishAlert routes an alert to the destinations of its group.
func (c *Client) PublishAlert(a Alert) (RouteResult, error) {
	var result RouteResult
	err := c.post("alerts", a, &result)
	return result, err
}

// ListChannels returns the registered channels and their delivery health.
func (c *Client) ListChannels() ([]Channel, error) {
	var r Channels
	err := c.get("channels", &r)
	return r.Channels, err
}

// ListGroups returns the routing groups.
func (c *Client) ListGroups() ([]Group, error) {
	var r Groups
	err := c.get("groups", &r)
	return r.Groups, err
}

// Group returns a single routing group by name.
func (c *Client) Group(name string) (Group, error) {
	var r Group
	err := c.get(path.Join("groups", name), &r)
	return r, err
}

// ListCommands returns the registered command names.
func (c *Client) ListCommands() (Commands, error) {
	var r Commands
	err := c.get("commands", &r)
	return r, err
}

// InjectMessage feeds a message through the inbound pipeline as if it had
// arrived on its channel.
func (c *Client) InjectMessage(m Message) (MessageResult, error) {
	var r MessageResult
	err := c.post("messages", m, &r)
	return r, err
}
