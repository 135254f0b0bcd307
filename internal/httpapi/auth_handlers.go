package httpapi

import (
	"encoding/base64"
	"net/http"
	"strings"

	"allura.org/internal/apperr"
	"allura.org/internal/audit"
	"allura.org/internal/mfa"
	"allura.org/internal/model"
	"allura.org/internal/obs"
)

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type mfaVerifyRequest struct {
	Code     string `json:"code"`
	Recovery bool   `json:"recovery"`
}

type mfaEnrollRequest struct {
	Key  string `json:"key"`
	Code string `json:"code"`
}

type passwordRequest struct {
	Old string `json:"old_password"`
	New string `json:"new_password"`
}

type userView struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	MFAEnabled  bool   `json:"mfa_enabled"`
}

func viewUser(u *model.User) userView {
	return userView{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName, Email: u.Email, MFAEnabled: u.MFAEnabled}
}

// recordAudit writes an audit event. A failure is logged and does not fail
// the request, which has already taken effect.
func recordAudit(r *http.Request, event string, fields map[string]any) {
	if err := audit.LogEvent(r.Context(), event, fields); err != nil {
		log := obs.Component("httpapi")
		log.Error().Err(err).
			Str("event", event).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("audit event not recorded")
	}
}

func (a *API) authRoutes() {
	if a.cfg.Auth == nil {
		a.mux.HandleFunc("/v1/auth/", disabled)
		return
	}
	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/mfa/verify", a.handleMFAVerify)
	a.mux.HandleFunc("GET /v1/auth/me", a.handleMe)
	a.mux.HandleFunc("POST /v1/auth/password", a.handlePassword)
	if a.cfg.MFA == nil {
		return
	}
	a.mux.HandleFunc("POST /v1/auth/mfa/enroll", a.handleMFAEnroll)
	a.mux.HandleFunc("DELETE /v1/auth/mfa", a.handleMFADisable)
	a.mux.HandleFunc("GET /v1/auth/mfa/recovery", a.handleRecoveryCodes)
	a.mux.HandleFunc("POST /v1/auth/mfa/recovery", a.handleRegenerateCodes)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	u, err := a.cfg.Auth.Register(r.Context(), req.Username, req.Email, req.Password, req.DisplayName)
	if err != nil {
		fail(w, r, err)
		return
	}
	recordAudit(r, "auth.user.registered", map[string]any{"user": u.Username})
	writeJSON(w, http.StatusCreated, viewUser(u))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	sess, err := a.cfg.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		recordAudit(r, "auth.login.failed", map[string]any{"user": strings.ToLower(req.Username)})
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleMFAVerify exchanges the pending token from the Authorization
// header and a code for a full session.
func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req mfaVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	sess, err := a.cfg.Auth.CompleteMFA(r.Context(), token, req.Code, req.Recovery)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := currentUser(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(u))
}

func (a *API) handlePassword(w http.ResponseWriter, r *http.Request) {
	u, err := currentUser(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := a.cfg.Auth.SetPassword(r.Context(), u, req.Old, req.New); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleMFAEnroll has two steps. Without a code it proposes a fresh key;
// with the key and a code read back from the user's app it enables the
// second factor and returns the recovery codes.
func (a *API) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	u, err := currentUser(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	var req mfaEnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		key, err := mfa.GenerateKey()
		if err != nil {
			fail(w, r, err)
			return
		}
		uri, err := a.cfg.MFA.ProvisioningURI(key, u.Username)
		if err != nil {
			fail(w, r, err)
			return
		}
		qr, err := a.cfg.MFA.QRCode(key, u.Username, 200)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"key":     mfa.EncodeKey(key),
			"uri":     uri,
			"qr_code": "data:image/png;base64," + base64.StdEncoding.EncodeToString(qr),
		})
		return
	}
	key, err := mfa.DecodeKey(req.Key)
	if err != nil || len(key) == 0 {
		fail(w, r, apperr.Invalid("key", "key is not a valid base32 secret"))
		return
	}
	codes, err := a.cfg.MFA.Enable(r.Context(), a.repo, u, key, req.Code)
	if err != nil {
		fail(w, r, err)
		return
	}
	recordAudit(r, "auth.mfa.enabled", map[string]any{"user": u.Username})
	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	u, err := currentUser(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := a.cfg.MFA.Disable(r.Context(), a.repo, u); err != nil {
		fail(w, r, err)
		return
	}
	recordAudit(r, "auth.mfa.disabled", map[string]any{"user": u.Username})
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) handleRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	u, err := currentUser(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	codes, err := a.cfg.MFA.Codes(r.Context(), u)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

func (a *API) handleRegenerateCodes(w http.ResponseWriter, r *http.Request) {
	u, err := currentUser(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if !u.MFAEnabled {
		fail(w, r, mfa.ErrNotEnrolled)
		return
	}
	codes, err := a.cfg.MFA.RegenerateCodes(r.Context(), u)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}
