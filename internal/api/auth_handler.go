package api

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vireohealth/fhirvault/internal/api/response"
	"github.com/vireohealth/fhirvault/internal/auth"
	"github.com/vireohealth/fhirvault/internal/config"
)

type AuthHandler struct {
	jwtMgr *auth.JWTManager
	cfg    config.Auth
}

func NewAuthHandler(jwtMgr *auth.JWTManager, cfg config.Auth) *AuthHandler {
	return &AuthHandler{jwtMgr: jwtMgr, cfg: cfg}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AdminPassHash == "" {
		response.Error(w, http.StatusForbidden, "login is not configured")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username != h.cfg.AdminUser ||
		bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminPassHash), []byte(req.Password)) != nil {
		response.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.Generate(req.Username)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	response.JSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}
