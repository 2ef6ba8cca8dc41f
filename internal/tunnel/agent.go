package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentProvisioner drives the local REST API of a running ngrok agent.
type AgentProvisioner struct {
	APIURL     string
	Proto      string
	HTTPClient *http.Client
}

type agentTunnelRequest struct {
	Name  string `json:"name"`
	Proto string `json:"proto"`
	Addr  string `json:"addr"`
}

type agentTunnelResponse struct {
	Name      string `json:"name"`
	PublicURL string `json:"public_url"`
}

type agentErrorResponse struct {
	ErrorCode  int    `json:"error_code"`
	StatusCode int    `json:"status_code"`
	Msg        string `json:"msg"`
}

func NewAgentProvisioner(apiURL string) *AgentProvisioner {
	return &AgentProvisioner{
		APIURL:     apiURL,
		Proto:      "http",
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *AgentProvisioner) Open(ctx context.Context, port int) (Handle, error) {
	name := "krisphook-" + uuid.NewString()
	body, err := json.Marshal(agentTunnelRequest{
		Name:  name,
		Proto: p.proto(),
		Addr:  strconv.Itoa(port),
	})
	if err != nil {
		return Handle{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("api", "tunnels"), bytes.NewReader(body))
	if err != nil {
		return Handle{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("reach tunnel agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return Handle{}, agentError(resp.StatusCode, raw)
	}

	// The agent accepted the tunnel, so every failure from here on must
	// remove it again.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Handle{}, p.abandon(ctx, name, fmt.Errorf("read tunnel agent response: %w", err))
	}
	var created agentTunnelResponse
	if err := json.Unmarshal(raw, &created); err != nil {
		return Handle{}, p.abandon(ctx, name, fmt.Errorf("decode tunnel agent response: %w", err))
	}
	if created.Name == "" {
		created.Name = name
	}

	return Handle{Name: created.Name, PublicURL: created.PublicURL}, nil
}

func (p *AgentProvisioner) abandon(ctx context.Context, name string, cause error) error {
	if err := p.Close(context.WithoutCancel(ctx), Handle{Name: name}); err != nil {
		return errors.Join(cause, fmt.Errorf("remove unconfirmed tunnel %s: %w", name, err))
	}
	return cause
}

func (p *AgentProvisioner) Close(ctx context.Context, h Handle) error {
	if h.Name == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.endpoint("api", "tunnels", h.Name), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("reach tunnel agent: %w", err)
	}
	defer resp.Body.Close()

	// Already gone counts as closed.
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	return agentError(resp.StatusCode, raw)
}

func (p *AgentProvisioner) proto() string {
	if p.Proto == "" {
		return "http"
	}
	return p.Proto
}

func (p *AgentProvisioner) client() *http.Client {
	if p.HTTPClient == nil {
		return http.DefaultClient
	}
	return p.HTTPClient
}

func (p *AgentProvisioner) endpoint(segments ...string) string {
	base := strings.TrimRight(p.APIURL, "/")
	for _, s := range segments {
		base += "/" + url.PathEscape(s)
	}
	return base
}

func agentError(status int, raw []byte) error {
	var decoded agentErrorResponse
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Msg != "" {
		return fmt.Errorf("tunnel agent rejected request (status %d, code %d): %s", status, decoded.ErrorCode, decoded.Msg)
	}
	return fmt.Errorf("tunnel agent rejected request: unexpected status %d", status)
}

// StaticProvisioner hands out a fixed public URL, for setups where the
// forwarding is managed outside this process.
type StaticProvisioner struct {
	URL string
}

func (p StaticProvisioner) Open(_ context.Context, _ int) (Handle, error) {
	if strings.TrimSpace(p.URL) == "" {
		return Handle{}, errors.New("static public URL is empty")
	}
	return Handle{Name: "static", PublicURL: p.URL}, nil
}

func (p StaticProvisioner) Close(context.Context, Handle) error {
	return nil
}
