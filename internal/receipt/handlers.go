package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/zombor/budget-bear/internal/capture"
	"github.com/zombor/budget-bear/internal/scanning"
)

// snapshotResponse is the JSON form of the capture flow state
type snapshotResponse struct {
	capture.Snapshot
	ParseEmpty bool `json:"parse_empty"`
}

// confirmRequest optionally replaces the parsed items before saving
type confirmRequest struct {
	Items []scanning.LineItem `json:"items"`
}

// errorStatus maps pipeline and storage errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrRecognitionFailed):
		return http.StatusBadGateway
	case errors.Is(err, capture.ErrDeviceUnavailable),
		errors.Is(err, capture.ErrInvalidTransition),
		errors.Is(err, capture.ErrRecognitionInFlight),
		errors.Is(err, capture.ErrCaptureAbandoned):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidItem):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v as a JSON response
func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes err as a JSON error response with its mapped status
func writeError(w http.ResponseWriter, err error, extra map[string]any) {
	code := errorStatus(err)
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	body := map[string]any{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, body)
}

// writeSnapshot writes the result of a capture flow operation
func writeSnapshot(w http.ResponseWriter, snap capture.Snapshot, err error) {
	resp := snapshotResponse{Snapshot: snap, ParseEmpty: snap.ParseEmpty()}
	if err != nil {
		slog.Warn("Capture operation failed", "state", snap.State, "error", err)
		writeError(w, err, map[string]any{"capture": resp})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListDevices enumerates capture devices
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.flow.Devices(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleGetCapture returns the current capture state
func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	writeSnapshot(w, s.flow.Snapshot(), nil)
}

// handleStart opens the camera stream
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	snap, err := s.flow.Start(r.Context())
	writeSnapshot(w, snap, err)
}

// handleFlip switches to the next camera
func (s *Server) handleFlip(w http.ResponseWriter, r *http.Request) {
	snap, err := s.flow.Flip(r.Context())
	writeSnapshot(w, snap, err)
}

// handleCapture takes a still and waits for it to be recognized and parsed
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	// A dropped client does not cancel recognition; Retake or Close does
	snap, err := s.flow.Capture(context.WithoutCancel(r.Context()))
	writeSnapshot(w, snap, err)
}

// handleRetake discards the current capture
func (s *Server) handleRetake(w http.ResponseWriter, r *http.Request) {
	snap, err := s.flow.Retake(r.Context())
	writeSnapshot(w, snap, err)
}

// handleConfirm saves the parsed capture as a receipt
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	id, err := s.flow.Confirm(r.Context(), req.Items)
	if err != nil {
		slog.Error("Error confirming capture", "error", err)
		writeError(w, err, nil)
		return
	}

	receipt, err := s.service.GetReceipt(id)
	if err != nil {
		slog.Error("Error loading confirmed receipt", "id", id, "error", err)
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// handleCloseCapture stops the camera stream
func (s *Server) handleCloseCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.flow.Close(); err != nil {
		slog.Error("Error closing capture", "error", err)
		writeError(w, err, nil)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetStill returns the captured still image
func (s *Server) handleGetStill(w http.ResponseWriter, r *http.Request) {
	snap := s.flow.Snapshot()
	if snap.Still == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "No still captured"})
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", snap.Still.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(snap.Still.Data)))
	w.Write(snap.Still.Data)
}

// handleListReceipts returns a list of all receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts()
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptFile returns the captured image for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.PathValue("id")); err != nil {
		slog.Error("Error deleting receipt", "error", err)
		writeError(w, err, nil)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleListPurchases returns purchases, filtered by ?receipt_id= when given
func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := s.service.ListPurchases(r.URL.Query().Get("receipt_id"))
	if err != nil {
		slog.Error("Error listing purchases", "error", err)
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, purchases)
}

// handleGetPurchase returns a single purchase
func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	purchase, err := s.service.GetPurchase(r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, purchase)
}

// handleDeletePurchase deletes a purchase
func (s *Server) handleDeletePurchase(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeletePurchase(r.PathValue("id")); err != nil {
		slog.Error("Error deleting purchase", "error", err)
		writeError(w, err, nil)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
