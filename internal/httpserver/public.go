package httpserver

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"prooflink/internal/domain"
	"prooflink/internal/logging"
	"prooflink/internal/service"
	"prooflink/internal/storage"
)

// PublicAPI serves the unauthenticated courier surface. Access control is the
// token itself.
type PublicAPI struct {
	Uploads  *service.UploadService
	Blobs    storage.BlobStore
	MaxBytes int64
}

func (a *PublicAPI) Register(r *mux.Router) {
	r.HandleFunc("/public/order/{token}", a.handleGetOrder).Methods(http.MethodGet)
	r.HandleFunc("/public/proof/{token}", a.handleUploadProof).Methods(http.MethodPost)
	r.HandleFunc("/public/proof/{token}", a.handleGetProof).Methods(http.MethodGet)
	r.HandleFunc("/public/proof/{token}/image", a.handleGetProofImage).Methods(http.MethodGet)
}

type orderSummaryResponse struct {
	OrderNumber      string `json:"order_number"`
	Context          string `json:"context,omitempty"`
	OrganizationName string `json:"organization_name"`
	HasProof         bool   `json:"has_proof"`
}

func (a *PublicAPI) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	order, hasProof, err := a.Uploads.OrderSummary(r.Context(), token)
	if err != nil {
		if isInvalidToken(err) {
			slog.Warn("invalid token access", "token_prefix", logging.TokenPrefix(token))
			writeDetail(w, http.StatusNotFound, ErrInvalidToken)
			return
		}
		slog.Error("order summary failed", "err", err, "token_prefix", logging.TokenPrefix(token))
		writeDetail(w, http.StatusInternalServerError, ErrUnexpected)
		return
	}

	writeJSON(w, http.StatusOK, orderSummaryResponse{
		OrderNumber:      order.OrderNumber,
		Context:          order.Context,
		OrganizationName: order.OrganizationName,
		HasProof:         hasProof,
	})
}

type uploadResponse struct {
	Status     string    `json:"status"`
	ProofID    string    `json:"proof_id"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func (a *PublicAPI) handleUploadProof(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	// +1MB headroom for the multipart envelope around the file part.
	r.Body = http.MaxBytesReader(w, r.Body, a.MaxBytes+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusUnprocessableEntity, ErrTooLarge)
			return
		}
		writeDetail(w, http.StatusUnprocessableEntity, ErrBadUpload)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	proof, err := a.Uploads.Upload(r.Context(), token, contentType, file, header.Size)
	if err != nil {
		switch {
		case isInvalidToken(err):
			writeDetail(w, http.StatusNotFound, ErrInvalidToken)
		case errors.Is(err, domain.ErrUnprocessableContent):
			writeDetail(w, http.StatusUnprocessableEntity, ErrBadUpload)
		case errors.Is(err, domain.ErrStorageFailure):
			slog.Error("proof storage failed", "err", err, "token_prefix", logging.TokenPrefix(token))
			writeDetail(w, http.StatusInternalServerError, "UPLOAD_FAILED: Failed to save file.")
		default:
			slog.Error("proof upload failed", "err", err, "token_prefix", logging.TokenPrefix(token))
			writeDetail(w, http.StatusInternalServerError, ErrUnexpected)
		}
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Status:     "success",
		ProofID:    proof.ID,
		UploadedAt: proof.UploadedAt,
	})
}

type proofSummaryResponse struct {
	OrderNumber      string    `json:"order_number"`
	Context          string    `json:"context,omitempty"`
	OrganizationName string    `json:"organization_name"`
	ProofID          string    `json:"proof_id"`
	ProofURL         string    `json:"proof_url"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

func (a *PublicAPI) handleGetProof(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	order, proof, err := a.Uploads.ProofSummary(r.Context(), token)
	if err != nil {
		if isInvalidToken(err) || errors.Is(err, domain.ErrProofNotFound) {
			writeDetail(w, http.StatusNotFound, ErrInvalidToken)
			return
		}
		slog.Error("proof summary failed", "err", err, "token_prefix", logging.TokenPrefix(token))
		writeDetail(w, http.StatusInternalServerError, ErrUnexpected)
		return
	}

	writeJSON(w, http.StatusOK, proofSummaryResponse{
		OrderNumber:      order.OrderNumber,
		Context:          order.Context,
		OrganizationName: order.OrganizationName,
		ProofID:          proof.ID,
		ProofURL:         "/public/proof/" + token + "/image",
		UploadedAt:       proof.UploadedAt,
	})
}

func (a *PublicAPI) handleGetProofImage(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	_, proof, err := a.Uploads.ProofSummary(r.Context(), token)
	if err != nil {
		writeDetail(w, http.StatusNotFound, ErrInvalidToken)
		return
	}

	body, contentType, err := a.Blobs.Get(r.Context(), proof.StorageKey)
	if err != nil {
		slog.Error("proof blob read failed", "err", err, "proof_id", proof.ID)
		writeDetail(w, http.StatusInternalServerError, ErrUnexpected)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = io.Copy(w, body)
}

func isInvalidToken(err error) bool {
	return errors.Is(err, domain.ErrTokenNotFound) ||
		errors.Is(err, domain.ErrTokenAlreadyConsumed) ||
		errors.Is(err, domain.ErrTokenInvalidated)
}
