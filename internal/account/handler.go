package account

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/notification"
)

const maxBodyBytes = 1 << 20

// Notifier accepts the jobs produced by a successful operation.
type Notifier interface {
	Enqueue(jobs ...notification.Job)
}

// Handler exposes the account HTTP endpoints.
type Handler struct {
	svc      *Service
	notifier Notifier
	logger   *zap.SugaredLogger
}

func NewHandler(svc *Service, notifier Notifier, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, notifier: notifier, logger: logger}
}

// Register mounts the account routes on mux. auth guards the routes that need
// a session.
func (h *Handler) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	guard := func(fn http.HandlerFunc) http.Handler { return auth(fn) }

	mux.HandleFunc("POST /api/accounts/login", h.Login)
	mux.HandleFunc("POST /api/accounts/selfactivation", h.SelfActivate)
	mux.HandleFunc("POST /api/accounts/passwordlost", h.PasswordLost)
	mux.HandleFunc("POST /api/accounts/newpassword", h.NewPassword)
	mux.HandleFunc("POST /api/accounts/emailexists", h.EmailExists)

	mux.Handle("GET /api/accounts/logout", guard(h.Logout))
	mux.Handle("POST /api/accounts/logout", guard(h.LogoutAs))
	mux.Handle("POST /api/accounts/refresh", guard(h.Refresh))
	mux.Handle("POST /api/accounts/activate", guard(h.Activate))
	mux.Handle("POST /api/accounts/changepassword", guard(h.ChangePassword))
	mux.Handle("POST /api/accounts/resetpassword", guard(h.ResetPassword))
	mux.Handle("POST /api/accounts/nameexists", guard(h.NameExists))
	mux.Handle("POST /api/accounts", guard(h.Create))
	mux.Handle("PUT /api/accounts", guard(h.Update))
	mux.Handle("DELETE /api/accounts", guard(h.Delete))
	mux.Handle("GET /api/accounts", guard(h.List))
	mux.Handle("GET /api/accounts/{page}", guard(h.List))
}

// LoginRequest login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required.Error("Bad credentials.")),
		validation.Field(&r.Password, validation.Required.Error("Bad credentials.")),
	)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, "login failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())
	if err := h.svc.Logout(r.Context(), sess); err != nil {
		h.fail(w, r, "logout failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EmailRequest is the payload of every endpoint that only targets an email.
type EmailRequest struct {
	Email string `json:"email"`
}

func (r EmailRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required.Error("Account not found.")),
	)
}

func (h *Handler) LogoutAs(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, _ := SessionFrom(r.Context())
	if err := h.svc.LogoutAs(r.Context(), sess.Account, req.Email); err != nil {
		h.fail(w, r, "logout as failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())
	next, err := h.svc.RefreshToken(r.Context(), sess.Token)
	if err != nil {
		h.fail(w, r, "refresh failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, next)
}

// TokenRequest carries an emailed one-shot envelope.
type TokenRequest struct {
	Email    string `json:"email"`
	Token    string `json:"token"`
	Password string `json:"password,omitempty"`
}

func (r TokenRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required.Error("Account not found.")),
		validation.Field(&r.Token, validation.Required.Error("Bad security token.")),
	)
}

func (h *Handler) SelfActivate(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.SelfActivate(r.Context(), req.Email, req.Token)
	if err != nil {
		h.fail(w, r, "self activation failed", err)
		return
	}
	h.notify(out)
	w.WriteHeader(http.StatusNoContent)
}

// Flag decodes true/false as well as 1/0 and their string forms.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch strings.Trim(strings.TrimSpace(string(b)), `"`) {
	case "true", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

// ActivateRequest admin activation payload.
type ActivateRequest struct {
	Email  string `json:"email"`
	Active Flag   `json:"active"`
}

func (r ActivateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required.Error("Account not found.")),
	)
}

func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, _ := SessionFrom(r.Context())
	out, err := h.svc.SetActivation(r.Context(), sess.Account, req.Email, bool(req.Active))
	if err != nil {
		h.fail(w, r, "activation failed", err)
		return
	}
	h.notify(out)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PasswordLost(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.PasswordLost(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, "password lost failed", err)
		return
	}
	h.notify(out)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) NewPassword(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.NewPassword(r.Context(), req.Email, req.Token, req.Password); err != nil {
		h.fail(w, r, "new password failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PasswordRequest change password payload.
type PasswordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r PasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required.Error("Account not found.")),
	)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, _ := SessionFrom(r.Context())
	if err := h.svc.ChangePassword(r.Context(), sess.Account, req.Email, req.Password); err != nil {
		h.fail(w, r, "change password failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetPasswordResponse carries the generated password back to the admin.
type ResetPasswordResponse struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, _ := SessionFrom(r.Context())
	password, err := h.svc.ResetPassword(r.Context(), sess.Account, req.Email)
	if err != nil {
		h.fail(w, r, "reset password failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, ResetPasswordResponse{Email: strings.ToLower(strings.TrimSpace(req.Email)), Password: password})
}

// ExistsResponse answers the existence probes.
type ExistsResponse struct {
	Exists bool `json:"exists"`
}

func (h *Handler) EmailExists(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	ok, err := h.svc.EmailExists(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, "email probe failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, ExistsResponse{Exists: ok})
}

// NameRequest display name probe payload.
type NameRequest struct {
	Name string `json:"name"`
}

func (h *Handler) NameExists(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, _ := SessionFrom(r.Context())
	ok, err := h.svc.NameExists(r.Context(), sess.Account, req.Name)
	if err != nil {
		h.fail(w, r, "name probe failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, ExistsResponse{Exists: ok})
}

// CreateRequest create account payload.
type CreateRequest struct {
	Type          string `json:"type"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	PartnerID     int64  `json:"partner_id"`
	PostalAddress string `json:"postal_address"`
	GSM           string `json:"gsm"`
	AvatarURL     string `json:"avatar_url"`
	Description   string `json:"description"`
}

func (r CreateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Type, validation.Required.Error("Bad account type."),
			validation.In(TypeAdmin, TypePartner, TypeStructure).Error("Bad account type.")),
		validation.Field(&r.Email, validation.Required.Error("Bad email format.")),
		validation.Field(&r.Name, validation.Required.Error("Bad name format.")),
		validation.Field(&r.AvatarURL, is.URL.Error("Bad avatar URL.")),
		validation.Field(&r.Description, validation.Length(0, 2000).Error("Description is too long.")),
	)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, _ := SessionFrom(r.Context())
	view, out, err := h.svc.CreateAccount(r.Context(), sess.Account, CreateInput{
		Type:          req.Type,
		Email:         req.Email,
		Name:          req.Name,
		PartnerID:     req.PartnerID,
		PostalAddress: req.PostalAddress,
		GSM:           req.GSM,
		AvatarURL:     req.AvatarURL,
		Description:   req.Description,
	})
	if err != nil {
		h.fail(w, r, "create account failed", err)
		return
	}
	h.notify(out)
	h.writeJSON(w, http.StatusCreated, view)
}

// Update takes the target account_id and any mutable fields.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	fields := map[string]any{}
	if !h.decode(w, r, &fields) {
		return
	}
	id, ok := int64Field(fields, "account_id")
	if !ok || id < 1 {
		apperr.Write(w, ErrAccountNotFound)
		return
	}
	delete(fields, "account_id")
	sess, _ := SessionFrom(r.Context())
	out, err := h.svc.UpdateAccount(r.Context(), sess.Account, id, fields)
	if err != nil {
		h.fail(w, r, "update account failed", err)
		return
	}
	h.notify(out)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, _ := SessionFrom(r.Context())
	out, err := h.svc.DeleteAccount(r.Context(), sess.Account, req.Email)
	if err != nil {
		h.fail(w, r, "delete account failed", err)
		return
	}
	h.notify(out)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page := 1
	if v := r.PathValue("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			apperr.Write(w, apperr.Validation("Invalid page."))
			return
		}
		page = n
	}
	sess, _ := SessionFrom(r.Context())
	listing, err := h.svc.List(r.Context(), sess.Account, page)
	if err != nil {
		h.fail(w, r, "list accounts failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, listing)
}

// decode reads a JSON body into v and runs its Validate method when it has
// one. On failure the error answer is already written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		apperr.Write(w, apperr.Validation("Invalid payload."))
		return false
	}
	if val, ok := v.(validation.Validatable); ok {
		if err := val.Validate(); err != nil {
			apperr.Write(w, firstError(err))
			return false
		}
	}
	return true
}

// firstError turns ozzo field errors into one validation error, picking the
// first field in name order so answers are stable.
func firstError(err error) error {
	errs, ok := err.(validation.Errors)
	if !ok || len(errs) == 0 {
		return apperr.Validation(err.Error())
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return apperr.Validation(errs[keys[0]].Error())
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if apperr.Status(err) >= http.StatusInternalServerError {
		h.logger.Warnw(msg, "path", r.URL.Path, "err", err)
	} else {
		h.logger.Debugw(msg, "path", r.URL.Path, "err", err)
	}
	apperr.Write(w, err)
}

func (h *Handler) notify(out notification.Outbox) {
	if len(out) == 0 || h.notifier == nil {
		return
	}
	h.notifier.Enqueue(out...)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
