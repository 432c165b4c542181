package terminate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// DefaultAppIDVar is the environment variable holding the application id
// the job-control service knows the job by.
const DefaultAppIDVar = "ALPS_APP_ID"

// OutOfBandConfig configures the out-of-band kill backend.
type OutOfBandConfig struct {
	// URL receives the kill request as a JSON POST.
	URL string `yaml:"url"`

	// AppIDVar names the environment variable carrying the application
	// id. Defaults to ALPS_APP_ID.
	AppIDVar string `yaml:"app_id_var"`

	// Signal is delivered to every process of the application.
	// Defaults to SIGKILL.
	Signal syscall.Signal `yaml:"-"`

	// Timeout for the request. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`

	// Headers to include in the request (e.g., for authentication).
	Headers map[string]string `yaml:"headers"`
}

// KillRequest is the payload sent to the job-control endpoint.
type KillRequest struct {
	AppID     string `json:"app_id"`
	Signal    int    `json:"signal"`
	Reason    string `json:"reason,omitempty"`
	Host      string `json:"host"`
	PID       int    `json:"pid"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// OutOfBand asks an external job-control service to signal every process of
// the application, not just the local one.
type OutOfBand struct {
	config OutOfBandConfig
	client *http.Client
	logger *slog.Logger
}

// NewOutOfBand creates an out-of-band backend.
func NewOutOfBand(config OutOfBandConfig, logger *slog.Logger) (*OutOfBand, error) {
	if config.URL == "" {
		return nil, errors.New("out-of-band kill URL is required")
	}
	if config.AppIDVar == "" {
		config.AppIDVar = DefaultAppIDVar
	}
	if config.Signal == 0 {
		config.Signal = unix.SIGKILL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutOfBand{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// Name returns "oob".
func (o *OutOfBand) Name() string {
	return "oob"
}

// Kill posts a kill request for the application.
func (o *OutOfBand) Kill(ctx context.Context, reason string) error {
	appID := os.Getenv(o.config.AppIDVar)
	if appID == "" {
		return fmt.Errorf("%s: %w", o.config.AppIDVar, ErrNoJobID)
	}

	host, _ := os.Hostname()
	req := KillRequest{
		AppID:     appID,
		Signal:    int(o.config.Signal),
		Reason:    reason,
		Host:      host,
		PID:       os.Getpid(),
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return o.send(ctx, req)
}

func (o *OutOfBand) send(ctx context.Context, payload KillRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal kill request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range o.config.Headers {
		req.Header.Set(k, v)
	}

	o.logger.Debug("sending kill request",
		slog.String("url", o.config.URL),
		slog.String("app_id", payload.AppID),
		slog.String("request_id", payload.RequestID),
	)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("kill request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("kill request returned status %d: %s", resp.StatusCode, string(respBody))
	}

	o.logger.Info("kill request accepted",
		slog.String("app_id", payload.AppID),
		slog.String("request_id", payload.RequestID),
	)
	return nil
}
