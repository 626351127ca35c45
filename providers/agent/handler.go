package agent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/cvmctl/interfaces"
)

// EvidenceSource produces evidence bound to nonce inside the guest.
type EvidenceSource func(ctx context.Context, nonce []byte) (*interfaces.AttestationEvidence, error)

// NewHandler serves the agent protocol from source. Returning
// interfaces.ErrEvidenceNotReady from source answers 503.
func NewHandler(source EvidenceSource, log *slog.Logger) http.Handler {
	mux := chi.NewRouter()
	mux.Get("/attest/{nonce}", func(w http.ResponseWriter, r *http.Request) {
		nonce, err := hex.DecodeString(chi.URLParam(r, "nonce"))
		if err != nil || len(nonce) == 0 {
			http.Error(w, "invalid nonce", http.StatusBadRequest)
			return
		}

		ev, err := source(r.Context(), nonce)
		if errors.Is(err, interfaces.ErrEvidenceNotReady) {
			http.Error(w, "attestation not ready", http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			log.Error("Failed to produce evidence", "err", err)
			http.Error(w, "failed to produce evidence", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(NewEvidenceDocument(ev)); err != nil {
			log.Error("Failed to write evidence", "err", err)
		}
	})
	return mux
}
