package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"
)

// handleJoinQR renders the run's join link as a QR code so viewer
// stations can connect without typing the URL.
func (h *Handlers) handleJoinQR(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := h.Registry.Get(runID); err != nil {
		h.respondError(w, err)
		return
	}
	joinURL := fmt.Sprintf("%s/ws?run=%s", h.BaseURL, runID)
	png, err := qrcode.Encode(joinURL, qrcode.Medium, 256)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
