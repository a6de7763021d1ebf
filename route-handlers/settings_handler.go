package routehandlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coreybb/kindledrop/datastore"
	"github.com/coreybb/kindledrop/delivery"
	"github.com/coreybb/kindledrop/models"
	"github.com/coreybb/kindledrop/webutil"
)

// SettingsHandler manages per-user delivery settings: the device email,
// timezone, and SMTP credentials.
type SettingsHandler struct {
	Users  *datastore.UserRepository
	Sender delivery.MailSender
}

func NewSettingsHandler(users *datastore.UserRepository, sender delivery.MailSender) *SettingsHandler {
	return &SettingsHandler{Users: users, Sender: sender}
}

type smtpSettingsRequest struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FromEmail string `json:"from_email"`
	UseTLS    bool   `json:"use_tls"`
}

type updateSettingsRequest struct {
	DeviceEmail *string              `json:"device_email"`
	Timezone    *string              `json:"timezone"`
	SMTP        *smtpSettingsRequest `json:"smtp"`
}

// settingsResponse never echoes the SMTP password.
type settingsResponse struct {
	Email          string `json:"email"`
	DeviceEmail    string `json:"device_email,omitempty"`
	Timezone       string `json:"timezone"`
	SMTPConfigured bool   `json:"smtp_configured"`
	SMTPHost       string `json:"smtp_host,omitempty"`
	SMTPPort       int    `json:"smtp_port,omitempty"`
	SMTPUsername   string `json:"smtp_username,omitempty"`
	SMTPFromEmail  string `json:"smtp_from_email,omitempty"`
}

func toSettingsResponse(user *models.User) settingsResponse {
	resp := settingsResponse{
		Email:       user.Email,
		DeviceEmail: user.DeviceEmail,
		Timezone:    user.Timezone,
	}
	if user.SMTPConfig != nil {
		resp.SMTPConfigured = true
		resp.SMTPHost = user.SMTPConfig.Host
		resp.SMTPPort = user.SMTPConfig.Port
		resp.SMTPUsername = user.SMTPConfig.Username
		resp.SMTPFromEmail = user.SMTPConfig.FromEmail
	}
	return resp
}

// HandleGetSettings returns the user's delivery settings.
// Example route: GET /api/users/{userID}/settings
func (h *SettingsHandler) HandleGetSettings(w http.ResponseWriter, r *http.Request) error {
	user, err := h.loadUser(r)
	if err != nil {
		return err
	}
	webutil.RespondWithJSON(w, http.StatusOK, toSettingsResponse(user))
	return nil
}

// HandleUpdateSettings applies partial edits to delivery settings.
// Example route: PUT /api/users/{userID}/settings
func (h *SettingsHandler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) error {
	user, err := h.loadUser(r)
	if err != nil {
		return err
	}

	var req updateSettingsRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return webutil.ErrBadRequest("Invalid request payload: " + err.Error())
	}
	defer r.Body.Close()

	if req.DeviceEmail != nil {
		if *req.DeviceEmail != "" && !strings.Contains(*req.DeviceEmail, "@") {
			return webutil.ErrBadRequest("Invalid device email address")
		}
		user.DeviceEmail = *req.DeviceEmail
	}
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			return webutil.ErrBadRequest(fmt.Sprintf("Unknown timezone: %q", *req.Timezone))
		}
		user.Timezone = *req.Timezone
	}
	if req.SMTP != nil {
		if req.SMTP.Host == "" {
			return webutil.ErrBadRequest("SMTP host is required")
		}
		if req.SMTP.Port <= 0 || req.SMTP.Port > 65535 {
			return webutil.ErrBadRequest("SMTP port must be between 1 and 65535")
		}
		if req.SMTP.FromEmail == "" {
			return webutil.ErrBadRequest("SMTP from_email is required")
		}
		user.SMTPConfig = &models.SMTPConfig{
			Host:      req.SMTP.Host,
			Port:      req.SMTP.Port,
			Username:  req.SMTP.Username,
			Password:  req.SMTP.Password,
			FromEmail: req.SMTP.FromEmail,
			UseTLS:    req.SMTP.UseTLS,
		}
	}

	if err := h.Users.UpdateDeliverySettings(r.Context(), user); err != nil {
		log.Printf("ERROR: Failed to update settings for user %s: %v", user.ID, err)
		return webutil.ErrInternalServerWrap("Failed to update settings", err)
	}

	log.Printf("INFO: Delivery settings updated for user %s", user.ID)
	webutil.RespondWithJSON(w, http.StatusOK, toSettingsResponse(user))
	return nil
}

// HandleTestEmail verifies the user's SMTP credentials by dialing and
// authenticating without sending a message.
// Example route: POST /api/users/{userID}/settings/test-email
func (h *SettingsHandler) HandleTestEmail(w http.ResponseWriter, r *http.Request) error {
	user, err := h.loadUser(r)
	if err != nil {
		return err
	}

	if user.SMTPConfig == nil {
		return webutil.ErrBadRequest("SMTP settings not configured")
	}

	if err := h.Sender.Verify(r.Context(), *user.SMTPConfig); err != nil {
		log.Printf("WARN: SMTP verification failed for user %s: %v", user.ID, err)
		webutil.RespondWithJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": err.Error(),
		})
		return nil
	}

	webutil.RespondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Successfully connected to %s:%d", user.SMTPConfig.Host, user.SMTPConfig.Port),
	})
	return nil
}

func (h *SettingsHandler) loadUser(r *http.Request) (*models.User, error) {
	userID := chi.URLParam(r, "userID")
	if _, err := uuid.Parse(userID); err != nil {
		return nil, webutil.ErrBadRequest("Invalid userID format in path")
	}

	user, err := h.Users.GetUserByID(r.Context(), userID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, webutil.ErrNotFound("User not found.")
		}
		log.Printf("ERROR: Failed to get user %s: %v", userID, err)
		return nil, webutil.ErrInternalServerWrap("Failed to retrieve user", err)
	}
	return user, nil
}
