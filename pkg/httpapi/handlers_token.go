package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/anumate/enforcement-core/pkg/token"
)

const maxBodyBytes = 1 << 20

type issueRequest struct {
	Subject      string   `json:"subject"`
	Capabilities []string `json:"capabilities"`
	TTLSeconds   int      `json:"ttl_seconds"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	result, err := s.tokens.Issue(r.Context(), token.IssueRequest{
		TenantID:      tenantID,
		Subject:       req.Subject,
		Capabilities:  req.Capabilities,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
		ClientIP:      clientIP(r),
		CorrelationID: r.Header.Get("X-Request-ID"),
	})
	if err != nil {
		if errors.Is(err, token.ErrValidation) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type verifyRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Token == "" {
		WriteBadRequest(w, "token is required")
		return
	}

	result, err := s.tokens.Verify(r.Context(), req.Token, tenantID, clientIP(r))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	Token     string `json:"token"`
	ExtendTTL int    `json:"extend_ttl"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Token == "" {
		WriteBadRequest(w, "token is required")
		return
	}

	result, err := s.tokens.Refresh(r.Context(), req.Token, tenantID,
		time.Duration(req.ExtendTTL)*time.Second, clientIP(r))
	if err != nil {
		if errors.Is(err, token.ErrValidation) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
