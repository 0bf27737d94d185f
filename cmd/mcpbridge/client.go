package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type clientFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "http://127.0.0.1:8790/api", "daemon API base URL")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 35*time.Second, "HTTP request timeout")
}

// client is a small HTTP client for talking to a running daemon.
type client struct {
	base string
	hc   *http.Client
}

func newClient(f clientFlags) *client {
	return &client{base: f.APIUrl, hc: &http.Client{Timeout: f.APITimeout}}
}

func (c *client) get(path string, out *json.RawMessage) error {
	resp, err := c.hc.Get(c.base + path)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *client) post(path string, body any, out *json.RawMessage) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.hc.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out *json.RawMessage) error {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var er struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			return fmt.Errorf("daemon: %s (HTTP %d)", er.Error, resp.StatusCode)
		}
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}
	*out = data
	return nil
}
