package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/channel"
	khttp "github.com/tradewire/tradewire/http"
	"github.com/tradewire/tradewire/keyvalue"
	"github.com/tradewire/tradewire/tlsconfig"
)

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic
	InsecureSkipVerify()

	Error(msg string, err error)
}

// Embed colors from the Discord brand palette.
const (
	colorGreen   = 0x57F287
	colorBlurple = 0x5865F2
	colorYellow  = 0xFEE75C
	colorRed     = 0xED4245
)

type Workspace struct {
	config Config
	client *http.Client
}

func NewWorkspace(c Config) (*Workspace, error) {
	tlsConfig, err := tlsconfig.Create(c.SSLCA, c.SSLCert, c.SSLKey, c.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	return &Workspace{
		config: c,
		client: &http.Client{
			Transport: khttp.NewDefaultTransportWithTLS(tlsConfig),
		},
	}, nil
}

type Service struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
	diag       Diagnostic
}

func NewService(confs []Config, d Diagnostic) (*Service, error) {
	s := &Service{
		diag:       d,
		workspaces: make(map[string]*Workspace),
	}

	if len(confs) == 1 {
		confs[0].Default = true
	}
	for _, c := range confs {
		if c.InsecureSkipVerify {
			s.diag.InsecureSkipVerify()
		}

		w, err := NewWorkspace(c)
		if err != nil {
			return nil, err
		}
		s.workspaces[c.Workspace] = w

		// The default workspace is stashed under the empty string so that
		// routes without an explicit workspace id still resolve.
		if c.Default && c.Workspace != "" {
			s.workspaces[""] = s.workspaces[c.Workspace]
		}
	}

	return s, nil
}

func (s *Service) Open() error {
	return nil
}

func (s *Service) Close() error {
	return nil
}

func (s *Service) workspace(wid string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.workspaces) == 0 {
		return nil, errors.New("no discord configuration found")
	}
	w, ok := s.workspaces[wid]
	if !ok {
		return nil, errors.Errorf("unknown discord workspace %q", wid)
	}
	return w, nil
}

// Adapter returns the send only channel adapter. The destination id
// selects the workspace.
func (s *Service) Adapter() channel.Adapter {
	return &sendAdapter{s: s}
}

type sendAdapter struct {
	s *Service
}

func (a *sendAdapter) Send(ctx context.Context, destinationID string, m channel.Message) error {
	return a.s.Send(ctx, destinationID, m)
}

// Send posts one embed to the workspace webhook.
func (s *Service) Send(ctx context.Context, workspace string, m channel.Message) error {
	w, err := s.workspace(workspace)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid discord destination")
	}

	url, post, err := preparePost(w.config, m)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid discord message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, post)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid discord request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return channel.WrapTransportError(channel.KindUnreachable, err, "discord webhook unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
				fmt.Sprintf("webhook returned code %d", resp.StatusCode))
		}
		type response struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		}
		r := &response{Message: fmt.Sprintf("failed to understand Discord response. code: %d content: %s", resp.StatusCode, string(body))}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.Decode(r)
		return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode), r.Message)
	}
	return nil
}

// Discord rich embed info
type embed struct {
	Color       int    `json:"color"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp,omitempty"`
}

func preparePost(c Config, m channel.Message) (string, io.Reader, error) {
	if !c.Enabled {
		return "", nil, errors.New("service is not enabled")
	}

	var color int
	switch m.Level {
	case channel.Critical:
		color = colorRed
	case channel.Warning:
		color = colorYellow
	case channel.OK:
		color = colorGreen
	default:
		color = colorBlurple
	}
	var timeStr string
	if c.Timestamp {
		timeStr = time.Now().UTC().Format(time.RFC3339)
	}

	postData := make(map[string]interface{})
	if c.Username != "" {
		postData["username"] = c.Username
	}
	if c.AvatarURL != "" {
		postData["avatar_url"] = c.AvatarURL
	}
	postData["embeds"] = []embed{{
		Color:       color,
		Title:       c.EmbedTitle,
		Description: m.Text,
		Timestamp:   timeStr,
	}}

	var post bytes.Buffer
	if err := json.NewEncoder(&post).Encode(postData); err != nil {
		return "", nil, err
	}
	return c.URL, &post, nil
}
