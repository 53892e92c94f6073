package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client is an HTTP client for the provisioning API.
type Client struct {
	addr  string
	token string
	http  *http.Client
}

// newClient creates a Client from the current config.
func newClient() *Client {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLSCACert != "" {
		if data, err := os.ReadFile(cfg.TLSCACert); err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	return &Client{
		addr:  strings.TrimSuffix(cfg.Address, "/"),
		token: cfg.AdminToken,
		http: &http.Client{
			Timeout:   60 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Admin-Token", c.token)
	}
	return c.http.Do(req)
}

func (c *Client) get(path string) (any, error) {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) post(path string, body any) (any, error) {
	resp, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) put(path string, body any) (any, error) {
	resp, err := c.do(http.MethodPut, path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	_, err = parseResponse(resp)
	return err
}

// getText returns a non-JSON body as is.
func (c *Client) getText(path string) (string, error) {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", apiError(resp.StatusCode, data)
	}
	return string(data), nil
}

// parseResponse returns the "data" member of a JSON response. A 204 yields nil.
func parseResponse(resp *http.Response) (any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, data)
	}
	if resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil, nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	return result["data"], nil
}

func apiError(status int, body []byte) error {
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	msg := fmt.Sprintf("HTTP %d", status)
	if errs, ok := result["errors"].([]any); ok && len(errs) > 0 {
		msg = fmt.Sprintf("%v", errs[0])
	}
	if failed, ok := result["failed"].(string); ok {
		msg += fmt.Sprintf(" (completed: %s; failed: %s)", joinAny(asSlice(result["completed"])), failed)
	}
	if tok, ok := result["client_token"].(string); ok && tok != "" {
		msg += "\nA token was issued before the failure: " + tok
	}
	return fmt.Errorf("%s", msg)
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
