// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/tidemark/lib/batch"
	"github.com/bureau-foundation/tidemark/lib/compress"
	"github.com/bureau-foundation/tidemark/lib/flight"
)

func newSender(t *testing.T, server *httptest.Server) *HTTPSender {
	t.Helper()
	sender, err := NewHTTPSender(HTTPConfig{
		EventsURL:       server.URL + "/events",
		SessionURL:      server.URL + "/session",
		Timeout:         5 * time.Second,
		DegradedTimeout: time.Second,
		Gate:            flight.NewGate(),
		Client:          server.Client(),
	})
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}
	return sender
}

func samplePayload() *Payload {
	return &Payload{
		SessionID: "session-1",
		Seq:       4,
		Events:    []json.RawMessage{json.RawMessage(`{"type":2}`)},
	}
}

func TestSendPostsPayloadWithHeaders(t *testing.T) {
	var received Payload
	var headers http.Header
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/events" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := newSender(t, server).Send(context.Background(), samplePayload(), Normal); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if received.SessionID != "session-1" || received.Seq != 4 || len(received.Events) != 1 {
		t.Fatalf("server received %+v", received)
	}
	if got := headers.Get("Idempotency-Key"); got != "session-1:4" {
		t.Errorf("Idempotency-Key = %q", got)
	}
	digest := blake3.Sum256(body)
	if got, want := headers.Get("X-Batch-Digest"), "blake3="+hex.EncodeToString(digest[:]); got != want {
		t.Errorf("X-Batch-Digest = %q, want %q", got, want)
	}
	if got := headers.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := headers.Get("User-Agent"); !strings.HasPrefix(got, "tidemark-agent/") {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestSendReportsNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collector overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := newSender(t, server).Send(context.Background(), samplePayload(), Normal)
	var transportErr *Error
	if !errors.As(err, &transportErr) {
		t.Fatalf("Send error = %v, want *Error", err)
	}
	if transportErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d", transportErr.StatusCode)
	}
	if transportErr.Body != "collector overloaded" {
		t.Errorf("Body = %q", transportErr.Body)
	}
}

func TestSendReportsNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	sender := newSender(t, server)
	server.Close()

	err := sender.Send(context.Background(), samplePayload(), Normal)
	var transportErr *Error
	if !errors.As(err, &transportErr) || transportErr.StatusCode != 0 {
		t.Fatalf("Send error = %v, want network *Error", err)
	}
}

func TestDegradedSendRefusesLargePayload(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	payload := samplePayload()
	payload.Events = []json.RawMessage{json.RawMessage(`"` + strings.Repeat("x", DegradedHardLimit) + `"`)}

	err := newSender(t, server).Send(context.Background(), payload, Degraded)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Send error = %v, want ErrPayloadTooLarge", err)
	}
	if requests.Load() != 0 {
		t.Fatal("oversized degraded payload reached the server")
	}

	// The same payload is fine in normal mode.
	if err := newSender(t, server).Send(context.Background(), payload, Normal); err != nil {
		t.Fatalf("normal Send: %v", err)
	}
}

func TestDegradedSendSurvivesCancelledCaller(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()
	sender := newSender(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sender.Send(ctx, samplePayload(), Degraded); err != nil {
		t.Fatalf("degraded Send with cancelled context: %v", err)
	}
	if err := sender.Send(ctx, samplePayload(), Normal); err == nil {
		t.Fatal("normal Send with cancelled context should fail")
	}
}

func TestSendsShareOneFlight(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			observed := maxInFlight.Load()
			if current <= observed || maxInFlight.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}))
	defer server.Close()

	sender := newSender(t, server)
	var waitGroup sync.WaitGroup
	for i := range 8 {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			mode := Normal
			if i%2 == 1 {
				mode = Degraded
			}
			if err := sender.Send(context.Background(), samplePayload(), mode); err != nil {
				t.Error(err)
			}
		}()
	}
	waitGroup.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent requests = %d, want 1", got)
	}
}

func TestSendWaitsForGate(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	gate := flight.NewGate()
	sender, err := NewHTTPSender(HTTPConfig{
		EventsURL:       server.URL + "/events",
		Timeout:         50 * time.Millisecond,
		DegradedTimeout: time.Second,
		Gate:            gate,
		Client:          server.Client(),
	})
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}

	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	err = sender.Send(context.Background(), samplePayload(), Normal)
	var sendErr *Error
	if !errors.As(err, &sendErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send with the gate held = %v, want a deadline *Error", err)
	}
	if requests.Load() != 0 {
		t.Fatal("request went out while another send held the gate")
	}

	gate.Release()
	if err := sender.Send(context.Background(), samplePayload(), Normal); err != nil {
		t.Fatalf("Send after release: %v", err)
	}
	if gate.Busy() {
		t.Fatal("gate still held after the send returned")
	}
	if requests.Load() != 1 {
		t.Fatalf("requests = %d, want 1", requests.Load())
	}
}

func TestCreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"sessionId":"srv-42"}`)
	}))
	defer server.Close()

	session, err := newSender(t, server).CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session != "srv-42" {
		t.Fatalf("session = %q", session)
	}
}

func TestCreateSessionRejectsEmptyID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer server.Close()

	if _, err := newSender(t, server).CreateSession(context.Background()); err == nil {
		t.Fatal("expected error for a response without sessionId")
	}
}

func TestNewPayload(t *testing.T) {
	b := &batch.Batch{
		SessionID: "s",
		Seq:       2,
		Events:    []batch.Event{batch.Event(`{"a":1}`), batch.Event(`{"b":2}`)},
	}

	t.Run("compressed", func(t *testing.T) {
		payload, err := NewPayload(b, compress.New(true, compress.Gzip, nil))
		if err != nil {
			t.Fatal(err)
		}
		if !payload.Compressed || payload.Encoding != "gzip+base64" || payload.Events != nil {
			t.Fatalf("payload = %+v", payload)
		}
		decoded, err := compress.Decode(compress.Result{Payload: payload.Data, Encoding: payload.Encoding})
		if err != nil {
			t.Fatal(err)
		}
		if string(decoded) != `[{"a":1},{"b":2}]` {
			t.Fatalf("decoded = %s", decoded)
		}
	})

	t.Run("inline when compression is off", func(t *testing.T) {
		payload, err := NewPayload(b, compress.New(false, compress.Gzip, nil))
		if err != nil {
			t.Fatal(err)
		}
		if payload.Compressed || len(payload.Events) != 2 || payload.Data != "" {
			t.Fatalf("payload = %+v", payload)
		}
		encoded, _ := json.Marshal(payload)
		if strings.Contains(string(encoded), "compressed") {
			t.Fatalf("inline payload carries compression fields: %s", encoded)
		}
	})
}
