// Package agent implements the hostwatch agent: the heartbeat session with
// its recovery state machine, and the command dispatcher.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MacJediWizard/hostwatch/internal/crypto"
	"github.com/rs/zerolog"
)

// Controller endpoints.
const (
	AgentsPath = "/agents"
	LogsPath   = "/logs"
)

// HeaderAgentID carries the agent identity on every request.
const HeaderAgentID = "X-Agent-UUID"

// HeaderCycleID correlates the requests of one heartbeat or poll cycle. All
// retries, recovery sends and the diagnostics upload of a cycle share it.
const HeaderCycleID = "X-Request-ID"

const (
	contentType      = "application/pgp-encrypted"
	maxResponseBytes = 10 << 20
	maxErrorBody     = 512
)

var (
	// ErrEncodeReport indicates the payload could not be encrypted and signed.
	ErrEncodeReport = errors.New("encode report")
	// ErrUndecodableResponse indicates a 2xx response whose body could not be
	// decrypted or decoded.
	ErrUndecodableResponse = errors.New("undecodable response")
	// ErrNoCommands indicates the controller has no commands queued.
	ErrNoCommands = errors.New("no commands queued")
)

// StatusError is returned when the controller answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("controller returned %d", e.StatusCode)
	}
	return fmt.Sprintf("controller returned %d: %s", e.StatusCode, e.Body)
}

// Codec wraps and unwraps envelopes. *crypto.Codec implements it.
type Codec interface {
	EncryptAndSign(payload any) ([]byte, error)
	DecryptAndVerify(envelope []byte, out any) (*crypto.Verification, error)
}

// Client sends encrypted reports to the controller.
type Client struct {
	serverURL  string
	agentID    string
	httpClient *http.Client
	codec      Codec
	logger     zerolog.Logger
}

// NewClient creates a controller client. serverURL must not end in a slash.
func NewClient(serverURL, agentID string, httpClient *http.Client, codec Codec, logger zerolog.Logger) *Client {
	return &Client{
		serverURL:  serverURL,
		agentID:    agentID,
		httpClient: httpClient,
		codec:      codec,
		logger:     logger.With().Str("component", "controller_client").Logger(),
	}
}

// SendReport encrypts payload, POSTs it to path and, when out is not nil and
// the response has a body, decrypts the response into out. It makes exactly
// one request.
func (c *Client) SendReport(ctx context.Context, path string, payload, out any) error {
	envelope, err := c.codec.EncryptAndSign(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeReport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(envelope))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(HeaderAgentID, c.agentID)
	if id, ok := cycleIDFrom(ctx); ok {
		req.Header.Set(HeaderCycleID, id)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	v, err := c.codec.DecryptAndVerify(body, out)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUndecodableResponse, err)
	}
	c.logger.Debug().
		Str("path", path).
		Bool("signature_verified", v.Verified).
		Msg("response decoded")

	return nil
}

type cycleIDKey struct{}

// withCycleID returns a context whose requests carry id in HeaderCycleID.
func withCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

func cycleIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(cycleIDKey{}).(string)
	return id, ok && id != ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
