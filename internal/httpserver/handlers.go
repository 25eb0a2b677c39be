package httpserver

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// SendRequest is the body of POST /send.
type SendRequest struct {
	Token         string         `json:"token" validate:"required"`
	CiphertextB64 string         `json:"ciphertext_b64" validate:"required"`
	TTLSeconds    int64          `json:"ttl_seconds" validate:"required,gt=0"`
	Metadata      map[string]any `json:"metadata"`
}

// SendResponse is the shared response shape of /send and /crypto/send.
type SendResponse struct {
	Status             string `json:"status"`
	Risk               int    `json:"risk"`
	Policy             string `json:"policy"`
	Message            string `json:"message,omitempty"`
	KeyID              string `json:"key_id,omitempty"`
	EncryptedMessageB64 string `json:"encrypted_message_b64,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := s.Pipeline.Submit(r.Context(), req.Token, req.CiphertextB64, req.TTLSeconds, req.Metadata, clientHash(r), "")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	Respond(w, http.StatusOK, SendResponse{
		Status:  string(result.Status),
		Risk:    result.Risk,
		Policy:  string(result.Policy),
		Message: result.Message,
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	entry, ok := s.Store.Get(token)
	if !ok {
		RespondError(w, http.StatusNotFound, "not_found", "no entry for this token")
		return
	}
	ttlRemaining, _ := s.Store.TTLRemaining(token)

	Respond(w, http.StatusOK, map[string]any{
		"ciphertext_b64": base64.StdEncoding.EncodeToString(entry.Ciphertext),
		"ttl_remaining":  ttlRemaining,
		"message_state":  "available",
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !s.Store.MarkReadAndDelete(token) {
		RespondError(w, http.StatusNotFound, "not_found", "no entry for this token")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// CryptoHybridInitRequest is the body of POST /crypto/hybrid_init.
type CryptoHybridInitRequest struct {
	ClientClassicalPubB64 string `json:"client_classical_pub_b64" validate:"required"`
	ClientKEMPubB64       string `json:"client_kem_pub_b64"`
}

func (s *Server) handleHybridInit(w http.ResponseWriter, r *http.Request) {
	var req CryptoHybridInitRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if s.KeyManager == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "key manager is not configured")
		return
	}

	classicalPub, err := decodeClassicalPub(req.ClientClassicalPubB64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	kemPub, err := decodeOptionalB64(req.ClientKEMPubB64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	_, kemCiphertext, keys, err := s.KeyManager.DeriveSharedSecretServerSide(classicalPub, kemPub)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	resp := map[string]any{
		"key_id":            keys.KeyID,
		"classical_pub_b64": base64.StdEncoding.EncodeToString(keys.ClassicalPub[:]),
		"kem_enabled":       keys.KEMEnabled,
	}
	if keys.KEMEnabled {
		resp["kem_name"] = keys.KEMName
	}
	if len(kemCiphertext) > 0 {
		resp["kem_ct_b64"] = base64.StdEncoding.EncodeToString(kemCiphertext)
	}
	Respond(w, http.StatusOK, resp)
}

func (s *Server) handleCryptoKeys(w http.ResponseWriter, r *http.Request) {
	if s.KeyManager == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "key manager is not configured")
		return
	}
	keys := s.KeyManager.ExportPublicKeys()
	resp := map[string]any{
		"key_id":            keys.KeyID,
		"classical_pub_b64": base64.StdEncoding.EncodeToString(keys.ClassicalPub[:]),
		"kem_enabled":       keys.KEMEnabled,
	}
	if keys.KEMEnabled {
		resp["kem_pub_b64"] = base64.StdEncoding.EncodeToString(keys.KEMPub)
		resp["kem_name"] = keys.KEMName
	}
	Respond(w, http.StatusOK, resp)
}

// CryptoSendRequest is the body of POST /crypto/send.
type CryptoSendRequest struct {
	Token                 string         `json:"token" validate:"required"`
	MessageB64            string         `json:"message_b64" validate:"required"`
	TTLSeconds            int64          `json:"ttl_seconds" validate:"required,gt=0"`
	ClientClassicalPubB64 string         `json:"client_classical_pub_b64" validate:"required"`
	ClientKEMPubB64       string         `json:"client_kem_pub_b64"`
	Metadata              map[string]any `json:"metadata"`
}

func (s *Server) handleCryptoSend(w http.ResponseWriter, r *http.Request) {
	var req CryptoSendRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	plaintext, err := base64.StdEncoding.DecodeString(req.MessageB64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "message_b64 is not valid base64")
		return
	}
	classicalPub, err := decodeClassicalPub(req.ClientClassicalPubB64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	kemPub, err := decodeOptionalB64(req.ClientKEMPubB64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := s.Pipeline.HybridSubmit(r.Context(), req.Token, plaintext, req.TTLSeconds, classicalPub, kemPub, req.Metadata, clientHash(r), "")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	resp := SendResponse{
		Status:  string(result.Status),
		Risk:    result.Risk,
		Policy:  string(result.Policy),
		Message: result.Message,
		KeyID:   result.KeyID,
	}
	if len(result.Encrypted) > 0 {
		resp.EncryptedMessageB64 = base64.StdEncoding.EncodeToString(result.Encrypted)
	}
	Respond(w, http.StatusOK, resp)
}

// MLObserveRequest is the body of POST /ml/observe.
type MLObserveRequest struct {
	Token     string    `json:"token" validate:"required"`
	Vector    []float64 `json:"vector" validate:"required"`
	Timestamp *int64    `json:"timestamp"`
}

func (s *Server) handleMLObserve(w http.ResponseWriter, r *http.Request) {
	var req MLObserveRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if err := s.addObservation(req.Vector); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MLScoreRequest is the body of the admin-only POST /ml/score.
type MLScoreRequest struct {
	Vector []float64 `json:"vector" validate:"required"`
}

func (s *Server) handleMLScore(w http.ResponseWriter, r *http.Request) {
	var req MLScoreRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	risk, trained := s.score(req.Vector)
	Respond(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"risk":      risk,
		"simulated": !trained,
		"ts":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminMLHealth(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, s.mlHealth())
}

func (s *Server) handleAdminMLRetrain(w http.ResponseWriter, r *http.Request) {
	ok := s.forceRetrain()
	Respond(w, http.StatusOK, map[string]any{"status": "ok", "retrained": ok})
}

func (s *Server) handleAdminPolicyStatus(w http.ResponseWriter, r *http.Request) {
	allow, reauth, shadow, canary := s.Policy.Status()
	Respond(w, http.StatusOK, map[string]any{
		"allow_threshold":  allow,
		"reauth_threshold": reauth,
		"shadow_mode":      shadow,
		"canary_fraction":  canary,
	})
}

func (s *Server) handleAdminPolicyThresholds(w http.ResponseWriter, r *http.Request) {
	var allow, reauth *int
	if v := r.URL.Query().Get("allow"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "bad_request", "allow must be an integer")
			return
		}
		allow = &n
	}
	if v := r.URL.Query().Get("reauth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "bad_request", "reauth must be an integer")
			return
		}
		reauth = &n
	}
	s.Policy.SetThresholds(allow, reauth)
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminAuditRead(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			RespondError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	lines, err := s.AuditLog.ReadRecent(limit)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]any{"records": lines})
}

func (s *Server) handleAdminForensicStatus(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, s.Store.ForensicStatus())
}

func (s *Server) handleAdminForensicCleanup(w http.ResponseWriter, r *http.Request) {
	wiped := s.Store.ForceSecureCleanup()
	Respond(w, http.StatusOK, map[string]any{"status": "ok", "wiped": wiped})
}

func (s *Server) handleAdminForensicAuditIntegrity(w http.ResponseWriter, r *http.Request) {
	result := s.AuditLog.VerifyLogIntegrity()
	Respond(w, http.StatusOK, result)
}

// handleAdminKeysRotate forces an immediate key-bundle rotation outside the
// regular interval, for operator-triggered key compromise response (spec.md
// §4.3's RotateOnDemand).
func (s *Server) handleAdminKeysRotate(w http.ResponseWriter, r *http.Request) {
	if s.KeyManager == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "key manager is not configured")
		return
	}
	if err := s.KeyManager.RotateOnDemand(); err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	keys := s.KeyManager.ExportPublicKeys()
	Respond(w, http.StatusOK, map[string]any{"status": "ok", "key_id": keys.KeyID})
}

func decodeClassicalPub(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, errInvalidPub
	}
	if len(raw) != 32 {
		return out, errInvalidPubLen
	}
	copy(out[:], raw)
	return out, nil
}

func decodeOptionalB64(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errInvalidPub
	}
	return raw, nil
}

var (
	errInvalidPub    = invalidPubError("client public key is not valid base64")
	errInvalidPubLen = invalidPubError("client classical public key must decode to 32 bytes")
)

type invalidPubError string

func (e invalidPubError) Error() string { return string(e) }

// clientHash derives a stable, non-reversible identifier for the caller's
// remote address, used only for the audit record's client_hash field.
func clientHash(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.RemoteAddr))
	return hex.EncodeToString(sum[:])[:16]
}
