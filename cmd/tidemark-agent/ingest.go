// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tidemark/lib/batch"
	"github.com/bureau-foundation/tidemark/lib/lifecycle"
	"github.com/bureau-foundation/tidemark/lib/recorder"
)

// eventSink is the part of the recorder the ingest handler feeds.
type eventSink interface {
	Append(event batch.Event) bool
	Status(ctx context.Context) (recorder.Status, error)
}

// ingestHandler is the producer-facing HTTP surface.
type ingestHandler struct {
	sink         eventSink
	page         *lifecycle.ManualPort
	maxBodyBytes int64
	logger       *zap.Logger
}

func newIngestHandler(sink eventSink, page *lifecycle.ManualPort, maxBodyBytes int64, logger *zap.Logger) *ingestHandler {
	return &ingestHandler{sink: sink, page: page, maxBodyBytes: maxBodyBytes, logger: logger}
}

func (h *ingestHandler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", h.handleEvents)
	mux.HandleFunc("POST /suspend", h.handleSuspend)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /status", h.handleStatus)
	return mux
}

// eventEnvelope is the object form of an events body.
type eventEnvelope struct {
	Events []json.RawMessage `json:"events"`
}

// decodeEvents accepts either a bare JSON array of events or an object
// with an "events" array.
func decodeEvents(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	return envelope.Events, nil
}

func (h *ingestHandler) handleEvents(w http.ResponseWriter, request *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	events, err := decodeEvents(body)
	if err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	accepted := 0
	for _, event := range events {
		if !h.sink.Append(batch.Event(event)) {
			break
		}
		accepted++
	}
	if accepted < len(events) {
		h.logger.Warn("events refused: not recording",
			zap.Int("accepted", accepted),
			zap.Int("refused", len(events)-accepted),
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]int{"accepted": accepted})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func (h *ingestHandler) handleSuspend(w http.ResponseWriter, request *http.Request) {
	reason := lifecycle.Hidden
	switch request.URL.Query().Get("reason") {
	case "", string(lifecycle.Hidden):
	case string(lifecycle.Unload):
		reason = lifecycle.Unload
	default:
		http.Error(w, "reason must be hidden or unload", http.StatusBadRequest)
		return
	}
	h.page.Trigger(reason)
	w.WriteHeader(http.StatusAccepted)
}

func (h *ingestHandler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (h *ingestHandler) handleStatus(w http.ResponseWriter, request *http.Request) {
	status, err := h.sink.Status(request.Context())
	if err != nil {
		h.logger.Warn("status: reading store", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(value)
}
