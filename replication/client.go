package replication

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storagekit/metromirror/shared/api"
	"github.com/storagekit/metromirror/shared/logger"
)

// defaultRequestTimeout bounds ordinary control plane calls. Copy-initiating
// calls can legitimately run for minutes on a loaded array so the default is
// generous.
const defaultRequestTimeout = 900 * time.Second

// authRequestTimeout bounds the token create call.
const authRequestTimeout = 60 * time.Second

// Array error codes signalling that the addressed LSS has no free volume
// slots. These are recognized individually so that placement can be retried
// on a different LSS.
const (
	errCodeLSSFullFB  = "BE7A0028"
	errCodeLSSFullCKD = "BE7A002A"
)

// errCodeTokenInvalid is returned once an authentication token has expired.
const errCodeTokenInvalid = "BE7A001B"

// Client is a synchronous wrapper around one storage array's REST control
// plane. It owns the authentication token and transparently re-authenticates
// once when the array reports the token as expired.
type Client struct {
	endpoint  string
	username  string
	password  string
	verifyTLS bool

	mu    sync.Mutex
	token string

	httpClient *http.Client
	logger     logger.Logger
}

// NewClient creates a new array REST client from the given connection details.
func NewClient(conf ArrayConfig) *Client {
	return &Client{
		endpoint:  conf.Endpoint,
		username:  conf.Username,
		password:  conf.Password,
		verifyTLS: conf.VerifyTLS,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !conf.VerifyTLS,
				},
			},
		},
		logger: logger.AddContext(logger.Ctx{"endpoint": conf.Endpoint}),
	}
}

// createBodyReader creates a reader for the given request parameters.
// The array expects every request body wrapped in a request/params envelope.
func (c *Client) createBodyReader(params map[string]any) (io.Reader, error) {
	body := &bytes.Buffer{}

	err := json.NewEncoder(body).Encode(map[string]any{"request": map[string]any{"params": params}})
	if err != nil {
		return nil, fmt.Errorf("Failed to write request body: %w", err)
	}

	return body, nil
}

// getToken returns the current authentication token.
func (c *Client) getToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// setToken replaces the authentication token in place. Concurrent requests
// pick up the new token on their next attempt; redundant refreshes are
// acceptable.
func (c *Client) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// request issues a single HTTP request against the array REST endpoint and
// decodes the response envelope. Non-2xx responses are translated into the
// typed error taxonomy.
func (c *Client) request(ctx context.Context, method string, path string, params map[string]any, timeout time.Duration, out any) error {
	var body io.Reader
	if params != nil {
		reader, err := c.createBodyReader(params)
		if err != nil {
			return err
		}

		body = reader
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("Failed to create request: %w", err)
	}

	req.Header.Add("Accept", "application/json")
	req.Header.Add("X-Request-ID", uuid.New().String())
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	token := c.getToken()
	if token != "" {
		req.Header.Add("X-Auth-Token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s after %v", ErrRequestTimeout, method, path, timeout)
		}

		return fmt.Errorf("Failed to send request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	// The array reports authentication failures without a JSON body.
	if resp.StatusCode == http.StatusUnauthorized && resp.Header.Get("Content-Type") != "application/json" {
		return api.StatusErrorf(http.StatusUnauthorized, "Unauthorized request")
	}

	var envelope responseEnvelope
	err = json.NewDecoder(resp.Body).Decode(&envelope)
	if err != nil {
		return fmt.Errorf("Failed to read response body: %s: %w", path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest || envelope.Server.Status != "ok" {
		return c.responseError(resp.StatusCode, &envelope)
	}

	if out != nil {
		err = decodeData(&envelope, out)
		if err != nil {
			return fmt.Errorf("Failed to decode response data: %s: %w", path, err)
		}
	}

	return nil
}

// responseError maps an array failure response onto the error taxonomy.
func (c *Client) responseError(statusCode int, envelope *responseEnvelope) error {
	code := envelope.Server.Code
	message := envelope.Server.Message

	switch code {
	case errCodeTokenInvalid:
		return api.StatusErrorf(http.StatusUnauthorized, "Authentication token rejected: %s", message)
	case errCodeLSSFullFB, errCodeLSSFullCKD:
		return fmt.Errorf("%w: %s (code %q)", ErrLSSFull, message, code)
	}

	if statusCode == http.StatusUnauthorized {
		return api.StatusErrorf(http.StatusUnauthorized, "Unauthorized request: %s", message)
	}

	if statusCode == http.StatusNotFound {
		return api.StatusErrorf(http.StatusNotFound, "Resource not found: %s", message)
	}

	return &APIError{Code: code, Status: statusCode, Message: message}
}

// requestAuthenticated issues an authenticated request against the array.
// On token expiry the client re-authenticates and replays the request exactly
// once; any other failure class surfaces unchanged.
func (c *Client) requestAuthenticated(ctx context.Context, method string, path string, params map[string]any, timeout time.Duration, out any) error {
	retries := 0
	for {
		if c.getToken() == "" {
			err := c.authenticate(ctx)
			if err != nil {
				return err
			}
		}

		err := c.request(ctx, method, path, params, timeout, out)
		if err != nil {
			if api.StatusErrorCheck(err, http.StatusUnauthorized) && retries == 0 {
				// Access token seems to be expired.
				// Reset the token and try one more time.
				c.logger.Debug("Authentication token expired, re-authenticating")
				c.setToken("")
				retries++
				continue
			}

			return err
		}

		return nil
	}
}

// authenticate creates a new access token.
func (c *Client) authenticate(ctx context.Context) error {
	var response struct {
		Token struct {
			Token string `json:"token"`
		} `json:"token"`
	}

	err := c.request(ctx, http.MethodPost, "/tokens", map[string]any{
		"username": c.username,
		"password": c.password,
	}, authRequestTimeout, &response)
	if err != nil {
		return fmt.Errorf("Failed to authenticate: %w", err)
	}

	c.setToken(response.Token.Token)
	return nil
}

// decodeData unmarshals the data block of a response envelope into out.
func decodeData(envelope *responseEnvelope, out any) error {
	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, out)
}

// GetSystem returns the array's own identity.
func (c *Client) GetSystem(ctx context.Context) (*arraySystem, error) {
	var response struct {
		Systems []arraySystem `json:"systems"`
	}

	err := c.requestAuthenticated(ctx, http.MethodGet, "/systems", nil, defaultRequestTimeout, &response)
	if err != nil {
		return nil, fmt.Errorf("Failed to get system information: %w", err)
	}

	if len(response.Systems) == 0 {
		return nil, &APIError{Message: "Array reported no system information"}
	}

	return &response.Systems[0], nil
}

// GetPools returns all storage pools on the array.
func (c *Client) GetPools(ctx context.Context) ([]arrayPool, error) {
	var response struct {
		Pools []arrayPool `json:"pools"`
	}

	err := c.requestAuthenticated(ctx, http.MethodGet, "/pools", nil, defaultRequestTimeout, &response)
	if err != nil {
		return nil, fmt.Errorf("Failed to get pools: %w", err)
	}

	return response.Pools, nil
}

// GetLSSes returns all logical subsystems on the array.
func (c *Client) GetLSSes(ctx context.Context) ([]arrayLSS, error) {
	var response struct {
		LSS []arrayLSS `json:"lss"`
	}

	err := c.requestAuthenticated(ctx, http.MethodGet, "/lss", nil, defaultRequestTimeout, &response)
	if err != nil {
		return nil, fmt.Errorf("Failed to get logical subsystems: %w", err)
	}

	return response.LSS, nil
}

// CreateVolume creates a new volume in the given pool and LSS and returns the
// array-assigned volume ID. A full LSS surfaces as ErrLSSFull.
func (c *Client) CreateVolume(ctx context.Context, req createVolumeRequest) (string, error) {
	var response struct {
		Volumes []arrayVolume `json:"volumes"`
	}

	err := c.requestAuthenticated(ctx, http.MethodPost, "/volumes", map[string]any{
		"name":    req.Name,
		"cap":     req.SizeGiB,
		"captype": "gib",
		"stgtype": req.DataType,
		"pool":    req.PoolID,
		"lss":     req.LSS,
		"tp":      "ese",
	}, defaultRequestTimeout, &response)
	if err != nil {
		return "", fmt.Errorf("Failed to create volume %q in pool %q LSS %q: %w", req.Name, req.PoolID, req.LSS, err)
	}

	if len(response.Volumes) == 0 {
		return "", &APIError{Message: fmt.Sprintf("Volume create for %q returned no volume", req.Name)}
	}

	return response.Volumes[0].ID, nil
}

// GetVolume returns the volume behind volumeID.
func (c *Client) GetVolume(ctx context.Context, volumeID string) (*arrayVolume, error) {
	var response struct {
		Volumes []arrayVolume `json:"volumes"`
	}

	err := c.requestAuthenticated(ctx, http.MethodGet, "/volumes/"+volumeID, nil, defaultRequestTimeout, &response)
	if err != nil {
		return nil, err
	}

	if len(response.Volumes) == 0 {
		return nil, api.StatusErrorf(http.StatusNotFound, "Volume not found: %q", volumeID)
	}

	return &response.Volumes[0], nil
}

// DeleteVolume deletes the volume behind volumeID.
func (c *Client) DeleteVolume(ctx context.Context, volumeID string) error {
	err := c.requestAuthenticated(ctx, http.MethodDelete, "/volumes/"+volumeID, nil, defaultRequestTimeout, nil)
	if err != nil {
		return fmt.Errorf("Failed to delete volume %q: %w", volumeID, err)
	}

	return nil
}

// GetPhysicalLinks returns the physical FC links between this array and the
// remote array behind targetWWNN.
func (c *Client) GetPhysicalLinks(ctx context.Context, targetWWNN string) ([]PortPair, error) {
	var response struct {
		PhysicalLinks []PortPair `json:"physical_links"`
	}

	path := "/cs/pprcs/physical_links?target_system_wwnn=" + url.QueryEscape(targetWWNN)
	err := c.requestAuthenticated(ctx, http.MethodGet, path, nil, defaultRequestTimeout, &response)
	if err != nil {
		return nil, fmt.Errorf("Failed to get physical links to %q: %w", targetWWNN, err)
	}

	return response.PhysicalLinks, nil
}

// GetPPRCPaths returns all PPRC paths originating on this array.
func (c *Client) GetPPRCPaths(ctx context.Context) ([]pprcPath, error) {
	var response struct {
		Paths []pprcPath `json:"paths"`
	}

	err := c.requestAuthenticated(ctx, http.MethodGet, "/cs/pprcs/paths", nil, defaultRequestTimeout, &response)
	if err != nil {
		return nil, fmt.Errorf("Failed to get PPRC paths: %w", err)
	}

	return response.Paths, nil
}

// CreatePPRCPath creates a PPRC path between the given LSS pair using the
// given port pairs.
func (c *Client) CreatePPRCPath(ctx context.Context, req createPathRequest) error {
	portPairs := make([]map[string]any, 0, len(req.PortPairs))
	for _, pair := range req.PortPairs {
		portPairs = append(portPairs, map[string]any{
			"source_port_id": pair.SourcePortID,
			"target_port_id": pair.TargetPortID,
		})
	}

	params := map[string]any{
		"source_lss_id":      req.SourceLSS,
		"target_lss_id":      req.TargetLSS,
		"target_system_wwnn": req.TargetSystemWWNN,
		"port_pairs":         portPairs,
	}

	if req.ConsistencyGroup {
		params["pprc_consistency_group"] = "enable"
	}

	err := c.requestAuthenticated(ctx, http.MethodPost, "/cs/pprcs/paths", params, defaultRequestTimeout, nil)
	if err != nil {
		return fmt.Errorf("Failed to create PPRC path %s:%s: %w", req.SourceLSS, req.TargetLSS, err)
	}

	return nil
}

// DeletePPRCPath deletes the PPRC path behind pathID.
func (c *Client) DeletePPRCPath(ctx context.Context, pathID string) error {
	err := c.requestAuthenticated(ctx, http.MethodDelete, "/cs/pprcs/paths/"+url.PathEscape(pathID), nil, defaultRequestTimeout, nil)
	if err != nil {
		return fmt.Errorf("Failed to delete PPRC path %q: %w", pathID, err)
	}

	return nil
}

// GetPPRCPairs returns the PPRC pairs whose source volume ID falls within the
// given range. Queries are keyed by volume ID range so that one call covers a
// whole batch.
func (c *Client) GetPPRCPairs(ctx context.Context, minVolumeID string, maxVolumeID string) ([]pprcPair, error) {
	var response struct {
		PPRCs []pprcPair `json:"pprcs"`
	}

	path := fmt.Sprintf("/cs/pprcs?type=metro_mirror&vol_min=%s&vol_max=%s", url.QueryEscape(minVolumeID), url.QueryEscape(maxVolumeID))
	err := c.requestAuthenticated(ctx, http.MethodGet, path, nil, defaultRequestTimeout, &response)
	if err != nil {
		return nil, fmt.Errorf("Failed to get PPRC pairs: %w", err)
	}

	return response.PPRCs, nil
}

// CreatePPRCPairs issues a PPRC pairs create call. Depending on the options
// this establishes, fails over or fails back the addressed pairs.
func (c *Client) CreatePPRCPairs(ctx context.Context, req createPairsRequest) error {
	params := map[string]any{
		"type":    "metro_mirror",
		"options": req.Options,
	}

	if len(req.PairIDs) > 0 {
		params["pair_ids"] = req.PairIDs
	} else {
		pairs := make([]map[string]any, 0, len(req.Pairs))
		for _, pair := range req.Pairs {
			pairs = append(pairs, map[string]any{
				"source_volume":      pair.SourceVolumeID,
				"target_volume":      pair.TargetVolumeID,
				"target_system_wwnn": req.TargetSystemWWNN,
			})
		}

		params["volume_pairs"] = pairs
	}

	err := c.requestAuthenticated(ctx, http.MethodPost, "/cs/pprcs", params, defaultRequestTimeout, nil)
	if err != nil {
		return fmt.Errorf("Failed to create PPRC pairs: %w", err)
	}

	return nil
}

// DeletePPRCPairs deletes the PPRC pairs behind the given pair IDs.
func (c *Client) DeletePPRCPairs(ctx context.Context, pairIDs []string, options []string) error {
	err := c.requestAuthenticated(ctx, http.MethodDelete, "/cs/pprcs", map[string]any{
		"ids":     pairIDs,
		"options": options,
	}, defaultRequestTimeout, nil)
	if err != nil {
		return fmt.Errorf("Failed to delete PPRC pairs %v: %w", pairIDs, err)
	}

	return nil
}
