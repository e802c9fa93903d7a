package auth

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"realprep/internal/pipeline"
)

const maxJSONBodyBytes = 1 << 20

// Handler exposes the auth endpoints as pipeline handlers. Input validation
// runs before any security state is touched; a malformed request never counts
// toward rate or lockout budgets.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=12,max=200"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=1,max=200"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (h *Handler) Register(r *http.Request, _ *pipeline.Ctx) (any, error) {
	var body registerRequest
	if err := h.decode(r, &body); err != nil {
		return nil, err
	}

	creds, err := h.service.Register(r.Context(), body.Username, body.Email, body.Password)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, pipeline.Errorf(http.StatusBadRequest, "email already registered")
		}
		return nil, err
	}

	return &pipeline.Response{Status: http.StatusCreated, Body: creds}, nil
}

func (h *Handler) Login(r *http.Request, _ *pipeline.Ctx) (any, error) {
	var body loginRequest
	if err := h.decode(r, &body); err != nil {
		return nil, err
	}

	creds, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		return nil, mapLoginError(err)
	}

	return creds, nil
}

func (h *Handler) Refresh(r *http.Request, _ *pipeline.Ctx) (any, error) {
	var body refreshRequest
	if err := h.decode(r, &body); err != nil {
		return nil, err
	}

	creds, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			return nil, pipeline.Errorf(http.StatusUnauthorized, "invalid refresh token")
		}
		return nil, err
	}

	return creds, nil
}

func (h *Handler) Me(r *http.Request, c *pipeline.Ctx) (any, error) {
	view, err := h.service.Me(r.Context(), c.UserID())
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, pipeline.Errorf(http.StatusUnauthorized, "account no longer exists")
		}
		return nil, err
	}

	return view, nil
}

func (h *Handler) ListAccounts(r *http.Request, _ *pipeline.Ctx) (any, error) {
	return h.service.ListAccounts(r.Context())
}

func (h *Handler) decode(r *http.Request, into any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return pipeline.Errorf(http.StatusBadRequest, "invalid json body")
	}

	if err := h.validate.Struct(into); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return pipeline.Errorf(http.StatusBadRequest, "invalid field: %s", fieldErrs[0].Field())
		}
		return pipeline.Errorf(http.StatusBadRequest, "invalid request")
	}

	return nil
}

func mapLoginError(err error) error {
	// Unknown account and wrong password are deliberately indistinguishable.
	if errors.Is(err, ErrInvalidCredentials) {
		return pipeline.Errorf(http.StatusUnauthorized, "invalid credentials")
	}

	var locked ErrAccountLocked
	if errors.As(err, &locked) {
		minutes := int(math.Ceil(time.Until(locked.Until).Minutes()))
		if minutes < 1 {
			minutes = 1
		}
		return pipeline.Errorf(http.StatusLocked, "account temporarily locked, try again in %d minutes", minutes)
	}

	return err
}
