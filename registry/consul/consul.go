// Package consul announces fabric services to a local Consul agent over its
// HTTP API and reads back the passing instances.
package consul

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/flare152/flare/registry"
)

const (
	defaultAgentAddress = "http://127.0.0.1:8500"
	defaultCheckTTL     = 30 * time.Second
	defaultTimeout      = 15 * time.Second
	jsonContentType     = "application/json"

	// deregisterAfter tells the agent to drop a registration whose TTL
	// check stayed critical for this long.
	deregisterAfter = "24h"
)

var (
	ErrUnauthorized = errors.New("consul agent rejected the token")
	ErrNotFound     = errors.New("not found")
	ErrAPINoSuccess = errors.New("consul API call failed")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config selects the agent and the registration check window.
type Config struct {
	// Address is the agent base URL. Defaults to http://127.0.0.1:8500.
	Address string
	// Token is sent as X-Consul-Token when set.
	Token string
	// CheckTTL is the liveness window of the TTL check created for each
	// registration. Heartbeats must arrive faster than this.
	CheckTTL time.Duration
}

// Client talks to one Consul agent.
type Client struct {
	baseURL  *url.URL
	token    string
	checkTTL time.Duration
	client   http.Client
	log      *zerolog.Logger
}

var _ registry.Registry = (*Client)(nil)

// New builds the client and probes the agent for reachability.
func New(config Config, log *zerolog.Logger) (*Client, error) {
	address := strings.TrimSuffix(config.Address, "/")
	if address == "" {
		address = defaultAgentAddress
	}
	baseURL, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse consul address")
	}
	if config.CheckTTL <= 0 {
		config.CheckTTL = defaultCheckTTL
	}
	httpTransport := http.Transport{
		TLSHandshakeTimeout:   defaultTimeout,
		ResponseHeaderTimeout: defaultTimeout,
	}
	http2.ConfigureTransport(&httpTransport)
	c := &Client{
		baseURL:  baseURL,
		token:    config.Token,
		checkTTL: config.CheckTTL,
		client: http.Client{
			Transport: &httpTransport,
			Timeout:   defaultTimeout,
		},
		log: log,
	}
	if err := c.probeLeader(); err != nil {
		return nil, errors.Wrap(err, "consul agent is not reachable")
	}
	return c, nil
}

// probeLeader checks that the agent answers and has a raft leader.
func (c *Client) probeLeader() error {
	resp, err := c.sendRequest(context.Background(), http.MethodGet, "/v1/status/leader", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return responseError(resp)
}

// serviceRegistration is the agent service registration body.
type serviceRegistration struct {
	ID      string            `json:"ID"`
	Name    string            `json:"Name"`
	Tags    []string          `json:"Tags,omitempty"`
	Address string            `json:"Address"`
	Port    int               `json:"Port"`
	Meta    map[string]string `json:"Meta,omitempty"`
	Check   serviceCheck      `json:"Check"`
}

type serviceCheck struct {
	TTL                            string `json:"TTL"`
	Status                         string `json:"Status"`
	DeregisterCriticalServiceAfter string `json:"DeregisterCriticalServiceAfter"`
}

type healthCheck struct {
	ServiceID string `json:"ServiceID"`
	Status    string `json:"Status"`
}

type agentService struct {
	ID      string            `json:"ID"`
	Service string            `json:"Service"`
	Address string            `json:"Address"`
	Port    int               `json:"Port"`
	Meta    map[string]string `json:"Meta"`
}

// Register announces the instance with a passing TTL check.
func (c *Client) Register(ctx context.Context, reg *registry.Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	meta := make(map[string]string, len(reg.Meta)+2)
	for k, v := range reg.Meta {
		meta[k] = v
	}
	if reg.Weight > 0 {
		meta["weight"] = strconv.Itoa(reg.Weight)
	}
	if reg.Version != "" {
		meta["version"] = reg.Version
	}
	body := serviceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Tags:    reg.Tags,
		Address: reg.Address,
		Port:    reg.Port,
		Meta:    meta,
		Check: serviceCheck{
			TTL:                            fmt.Sprintf("%ds", int(c.checkTTL.Seconds())),
			Status:                         "passing",
			DeregisterCriticalServiceAfter: deregisterAfter,
		},
	}
	resp, err := c.sendRequest(ctx, http.MethodPut, "/v1/agent/service/register", body)
	if err != nil {
		return errors.Wrap(err, "REST request failed")
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return errors.Wrapf(err, "failed to register service %s", reg.ID)
	}
	c.log.Info().
		Str("service", reg.Name).
		Str("id", reg.ID).
		Msg("registered with consul")
	return nil
}

// Deregister withdraws the instance and its check.
func (c *Client) Deregister(ctx context.Context, id string) error {
	resp, err := c.sendRequest(ctx, http.MethodPut, "/v1/agent/service/deregister/"+id, nil)
	if err != nil {
		return errors.Wrap(err, "REST request failed")
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return errors.Wrapf(err, "failed to deregister service %s", id)
	}
	return nil
}

// Heartbeat marks the instance's TTL check as passing.
func (c *Client) Heartbeat(ctx context.Context, id string) error {
	resp, err := c.sendRequest(ctx, http.MethodPut, "/v1/agent/check/pass/service:"+id, nil)
	if err != nil {
		return errors.Wrap(err, "REST request failed")
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return errors.Wrapf(err, "failed to refresh check for service %s", id)
	}
	return nil
}

// Services returns the agent's services that currently hold a passing check.
func (c *Client) Services(ctx context.Context) (map[string][]registry.Endpoint, error) {
	passing, err := c.passingServiceIDs(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendRequest(ctx, http.MethodGet, "/v1/agent/services", nil)
	if err != nil {
		return nil, errors.Wrap(err, "REST request failed")
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return nil, errors.Wrap(err, "failed to list agent services")
	}
	var services map[string]agentService
	if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
		return nil, errors.Wrap(err, "failed to decode agent services")
	}
	out := make(map[string][]registry.Endpoint)
	for id, svc := range services {
		if _, ok := passing[id]; !ok {
			continue
		}
		out[svc.Service] = append(out[svc.Service], registry.Endpoint{
			Address: svc.Address,
			Port:    svc.Port,
			Weight:  weightFromMeta(svc.Meta),
		})
	}
	return out, nil
}

func (c *Client) passingServiceIDs(ctx context.Context) (map[string]struct{}, error) {
	resp, err := c.sendRequest(ctx, http.MethodGet, "/v1/health/state/passing", nil)
	if err != nil {
		return nil, errors.Wrap(err, "REST request failed")
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return nil, errors.Wrap(err, "failed to list passing checks")
	}
	var checks []healthCheck
	if err := json.NewDecoder(resp.Body).Decode(&checks); err != nil {
		return nil, errors.Wrap(err, "failed to decode health checks")
	}
	ids := make(map[string]struct{}, len(checks))
	for _, check := range checks {
		// Node-level checks carry no service id.
		if check.ServiceID != "" {
			ids[check.ServiceID] = struct{}{}
		}
	}
	return ids, nil
}

func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Client) sendRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to serialize json body")
		}
		bodyReader = bytes.NewBuffer(bodyBytes)
	}
	endpoint := *c.baseURL
	endpoint.Path = path
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bodyReader)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create %s request", method)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", jsonContentType)
	}
	if c.token != "" {
		req.Header.Set("X-Consul-Token", c.token)
	}
	return c.client.Do(req)
}

func responseError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Wrapf(ErrAPINoSuccess, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func weightFromMeta(meta map[string]string) int {
	if w, err := strconv.Atoi(meta["weight"]); err == nil && w > 0 {
		return w
	}
	return 1
}
