// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tidemark/lib/flight"
	"github.com/bureau-foundation/tidemark/lib/netutil"
	"github.com/bureau-foundation/tidemark/lib/version"
)

// DegradedHardLimit is the largest body a degraded send will carry.
// Hosts that allow sends during teardown cap them at 64 KiB.
const DegradedHardLimit = 64 << 10

// ErrPayloadTooLarge is wrapped by a degraded send whose body exceeds
// DegradedHardLimit. No request is made.
var ErrPayloadTooLarge = errors.New("payload exceeds degraded send limit")

// Mode selects how a send is made.
type Mode int

const (
	Normal Mode = iota
	Degraded
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Sender delivers one payload.
type Sender interface {
	Send(ctx context.Context, payload *Payload, mode Mode) error
}

// Error is a failed send: a network error, a non-2xx status, or a
// degraded payload over the limit.
type Error struct {
	// StatusCode is zero when no response was received.
	StatusCode int

	// Body is the start of the error response, if any.
	Body string

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport: HTTP %d", e.StatusCode)
	default:
		return "transport: " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPConfig configures an HTTPSender.
type HTTPConfig struct {
	EventsURL  string
	SessionURL string

	// Timeout bounds a normal send; DegradedTimeout a degraded one.
	Timeout         time.Duration
	DegradedTimeout time.Duration

	// Gate is shared by everything in the process that sends.
	Gate *flight.Gate

	// Client defaults to a fresh http.Client.
	Client *http.Client

	Logger *zap.Logger
}

// HTTPSender posts payloads to the collection endpoint.
type HTTPSender struct {
	config    HTTPConfig
	client    *http.Client
	logger    *zap.Logger
	userAgent string
}

// NewHTTPSender validates cfg and returns a sender.
func NewHTTPSender(cfg HTTPConfig) (*HTTPSender, error) {
	if cfg.EventsURL == "" {
		return nil, errors.New("transport: EventsURL is required")
	}
	if cfg.Gate == nil {
		return nil, errors.New("transport: Gate is required")
	}
	if cfg.Timeout <= 0 || cfg.DegradedTimeout <= 0 {
		return nil, errors.New("transport: timeouts must be positive")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSender{
		config:    cfg,
		client:    client,
		logger:    logger,
		userAgent: version.UserAgent("tidemark-agent"),
	}, nil
}

// Send posts payload. Success is any 2xx response.
func (s *HTTPSender) Send(ctx context.Context, payload *Payload, mode Mode) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Err: fmt.Errorf("encoding payload: %w", err)}
	}

	timeout := s.config.Timeout
	if mode == Degraded {
		if len(body) > DegradedHardLimit {
			return &Error{Err: fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(body))}
		}
		ctx = context.WithoutCancel(ctx)
		timeout = s.config.DegradedTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	digest := blake3.Sum256(body)
	err = s.config.Gate.Do(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.EventsURL, bytes.NewReader(body))
		if err != nil {
			return &Error{Err: err}
		}
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("User-Agent", s.userAgent)
		request.Header.Set("Idempotency-Key", payload.IdempotencyKey())
		request.Header.Set("X-Batch-Digest", "blake3="+hex.EncodeToString(digest[:]))

		response, err := s.client.Do(request)
		if err != nil {
			return &Error{Err: err}
		}
		defer netutil.DrainAndClose(response.Body)

		if response.StatusCode < 200 || response.StatusCode > 299 {
			return &Error{
				StatusCode: response.StatusCode,
				Body:       netutil.ErrorBody(response.Body),
				Err:        errors.New(response.Status),
			}
		}
		return nil
	})
	if err != nil {
		var sendErr *Error
		if errors.As(err, &sendErr) {
			return err
		}
		return &Error{Err: fmt.Errorf("waiting for send slot: %w", err)}
	}

	s.logger.Debug("batch delivered",
		zap.String("session", payload.SessionID),
		zap.Int64("seq", payload.Seq),
		zap.Stringer("mode", mode),
		zap.Int("bytes", len(body)),
	)
	return nil
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// CreateSession asks the collector for a new session ID.
func (s *HTTPSender) CreateSession(ctx context.Context) (string, error) {
	if s.config.SessionURL == "" {
		return "", errors.New("transport: SessionURL is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.SessionURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", &Error{Err: err}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", s.userAgent)

	response, err := s.client.Do(request)
	if err != nil {
		return "", &Error{Err: err}
	}
	defer netutil.DrainAndClose(response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", &Error{
			StatusCode: response.StatusCode,
			Body:       netutil.ErrorBody(response.Body),
			Err:        errors.New(response.Status),
		}
	}

	var decoded sessionResponse
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		return "", &Error{StatusCode: response.StatusCode, Err: fmt.Errorf("decoding session response: %w", err)}
	}
	if decoded.SessionID == "" {
		return "", &Error{StatusCode: response.StatusCode, Err: errors.New("session response has no sessionId")}
	}
	return decoded.SessionID, nil
}
