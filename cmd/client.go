package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chronod/internal/config"
	"github.com/nextlevelbuilder/chronod/internal/store/pg"
	"github.com/nextlevelbuilder/chronod/pkg/api"
)

// serverFlag overrides the API address for client commands.
var serverFlag string

// apiClient talks to a running chronod instance using the public JSON
// envelope. All client commands (jobs, executions list) go through it.
type apiClient struct {
	base  string
	token string
	hc    *http.Client
}

// newAPIClient resolves the server address: --server flag, then
// $CHRONOD_SERVER, then localhost on the configured port. The bearer token
// comes from $CHRONOD_TOKEN or the config file.
func newAPIClient() *apiClient {
	base := serverFlag
	if base == "" {
		base = os.Getenv("CHRONOD_SERVER")
	}

	cfg, err := config.LoadResolved(resolveConfigPath())
	if err != nil {
		// Client commands can still run against --server with defaults.
		cfg = config.Default()
	}
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	token := os.Getenv("CHRONOD_TOKEN")
	if token == "" {
		token = cfg.Server.JWTSecret
	}

	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		hc:    &http.Client{Timeout: 30 * time.Second},
	}
}

// requireServer exits with a helpful error when no chronod instance is
// reachable at the configured address.
func requireServer(c *apiClient) {
	if c.reachable() {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: cannot reach chronod at %s\n", c.base)
	fmt.Fprintln(os.Stderr, "Start it first:  chronod serve")
	os.Exit(1)
}

// reachable tries a quick health probe. Any HTTP response (even 503) means
// the service is up; only a transport failure means it is down.
func (c *apiClient) reachable() bool {
	req, err := http.NewRequest(http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) put(path string, body, out any) error {
	return c.do(http.MethodPut, path, body, out)
}

func (c *apiClient) delete(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, out)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s", formatTransportError(err, c.base))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Message != "" {
			return &apiError{status: resp.StatusCode, kind: er.Error, message: er.Message, details: er.Details}
		}
		return fmt.Errorf("%s returned %s", c.base, resp.Status)
	}

	if out == nil {
		return nil
	}
	var env api.Response
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(env.Data, out)
}

// apiError is a non-2xx envelope from the service.
type apiError struct {
	status  int
	kind    string
	message string
	details []api.FieldError
}

func (e *apiError) Error() string {
	var b strings.Builder
	b.WriteString(e.message)
	for _, d := range e.details {
		fmt.Fprintf(&b, "\n  - %s: %s", d.Field, d.Message)
	}
	if e.status == http.StatusUnauthorized {
		b.WriteString("\n  (set CHRONOD_TOKEN or server.jwtSecret in the config)")
	}
	return b.String()
}

// formatTransportError turns Go transport errors into something a user can
// act on. Never expose raw dial internals when a clearer message exists.
func formatTransportError(err error, base string) string {
	lower := strings.ToLower(err.Error())

	if containsAny(lower, "connection refused", "no such host", "network is unreachable") {
		return fmt.Sprintf("cannot reach chronod at %s — is it running? (chronod serve)", base)
	}
	if containsAny(lower, "timeout", "timed out", "deadline exceeded") {
		return fmt.Sprintf("request to %s timed out", base)
	}
	return err.Error()
}

// containsAny returns true if s contains any of the given substrings.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// openStore connects straight to the database for commands that bypass the
// HTTP API (migrate, executions cleanup).
func openStore(ctx context.Context) (*pg.Store, *config.Config) {
	cfg, err := config.LoadResolved(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "Error: no database configured.")
		fmt.Fprintln(os.Stderr, "Set DB_CONNECTION_STRING or database.url in "+config.FileName+" (run: chronod init)")
		os.Exit(1)
	}
	st, err := pg.Open(ctx, cfg.Database.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connect to database: %s\n", err)
		os.Exit(1)
	}
	return st, cfg
}
