package routehandlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coreybb/kindledrop/datastore"
	"github.com/coreybb/kindledrop/models"
	"github.com/coreybb/kindledrop/schedule"
	"github.com/coreybb/kindledrop/scheduler"
	"github.com/coreybb/kindledrop/webutil"
)

// SubscriptionHandler holds dependencies for managing subscriptions.
type SubscriptionHandler struct {
	Subs      *datastore.SubscriptionRepository
	Users     *datastore.UserRepository
	Scheduler *scheduler.Scheduler
}

func NewSubscriptionHandler(subs *datastore.SubscriptionRepository, users *datastore.UserRepository, sched *scheduler.Scheduler) *SubscriptionHandler {
	return &SubscriptionHandler{Subs: subs, Users: users, Scheduler: sched}
}

type createSubscriptionRequest struct {
	UserID   string               `json:"user_id"`
	Type     string               `json:"type"`
	Source   string               `json:"source"`
	Name     string               `json:"name"`
	Schedule *models.Schedule     `json:"schedule"`
	Options  *models.FetchOptions `json:"options"`
}

type updateSubscriptionRequest struct {
	Name     *string              `json:"name"`
	Schedule *models.Schedule     `json:"schedule"`
	Options  *models.FetchOptions `json:"options"`
}

// HandleCreateSubscription registers a new subscription and computes its
// first run time.
// Example route: POST /api/subscriptions
func (h *SubscriptionHandler) HandleCreateSubscription(w http.ResponseWriter, r *http.Request) error {
	var req createSubscriptionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return webutil.ErrBadRequest("Invalid request payload: " + err.Error())
	}
	defer r.Body.Close()

	if _, err := uuid.Parse(req.UserID); err != nil {
		return webutil.ErrBadRequest("Invalid user_id format")
	}
	subType, ok := models.IsValidSubscriptionType(req.Type)
	if !ok {
		return webutil.ErrBadRequest(fmt.Sprintf("Invalid subscription type: %q", req.Type))
	}
	if req.Source == "" {
		return webutil.ErrBadRequest("Source is required")
	}
	if req.Name == "" {
		return webutil.ErrBadRequest("Name is required")
	}

	user, err := h.Users.GetUserByID(r.Context(), req.UserID)
	if err != nil {
		return webutil.ErrNotFound("User not found.")
	}

	sub := models.Subscription{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		CreatedAt: time.Now().UTC(),
		Name:      req.Name,
		Type:      subType,
		Source:    req.Source,
		Enabled:   true,
		Schedule:  models.Schedule{Kind: models.ScheduleKindDaily, Time: "07:00"},
		Options:   models.DefaultFetchOptions(),
	}
	if req.Schedule != nil {
		sub.Schedule = *req.Schedule
	}
	if req.Options != nil {
		sub.Options = *req.Options
	}

	if err := h.computeNextRun(&sub, user.Timezone); err != nil {
		return err
	}

	if err := h.Subs.CreateSubscription(r.Context(), &sub); err != nil {
		log.Printf("ERROR: Failed to create subscription for user %s: %v", req.UserID, err)
		return webutil.ErrInternalServerWrap("Failed to create subscription", err)
	}

	log.Printf("INFO: Subscription created for user %s: %s (%s %s)", req.UserID, sub.Name, sub.Type, sub.Source)
	webutil.RespondWithJSON(w, http.StatusCreated, sub)
	return nil
}

// HandleGetSubscriptions lists a user's subscriptions.
// Example route: GET /api/subscriptions?user_id={userID}
func (h *SubscriptionHandler) HandleGetSubscriptions(w http.ResponseWriter, r *http.Request) error {
	userID := r.URL.Query().Get("user_id")
	if _, err := uuid.Parse(userID); err != nil {
		return webutil.ErrBadRequest("A valid user_id query parameter is required")
	}

	subs, err := h.Subs.ListSubscriptionsByUserID(r.Context(), userID)
	if err != nil {
		log.Printf("ERROR: Failed to list subscriptions for user %s: %v", userID, err)
		return webutil.ErrInternalServerWrap("Failed to retrieve subscriptions", err)
	}

	webutil.RespondWithJSON(w, http.StatusOK, subs)
	return nil
}

// HandleGetSubscription retrieves a single subscription.
// Example route: GET /api/subscriptions/{id}
func (h *SubscriptionHandler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) error {
	sub, err := h.loadSubscription(r)
	if err != nil {
		return err
	}
	webutil.RespondWithJSON(w, http.StatusOK, sub)
	return nil
}

// HandleUpdateSubscription applies partial edits. A schedule edit
// replaces the schedule wholesale and recomputes the next run time.
// Example route: PUT /api/subscriptions/{id}
func (h *SubscriptionHandler) HandleUpdateSubscription(w http.ResponseWriter, r *http.Request) error {
	sub, err := h.loadSubscription(r)
	if err != nil {
		return err
	}

	var req updateSubscriptionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return webutil.ErrBadRequest("Invalid request payload: " + err.Error())
	}
	defer r.Body.Close()

	if req.Name != nil {
		if *req.Name == "" {
			return webutil.ErrBadRequest("Name cannot be empty")
		}
		sub.Name = *req.Name
	}
	if req.Options != nil {
		sub.Options = *req.Options
	}
	if req.Schedule != nil {
		sub.Schedule = *req.Schedule

		user, err := h.Users.GetUserByID(r.Context(), sub.UserID)
		if err != nil {
			return webutil.ErrInternalServerWrap("Failed to load subscription owner", err)
		}
		if err := h.computeNextRun(sub, user.Timezone); err != nil {
			return err
		}
	}

	if err := h.Subs.UpdateSubscription(r.Context(), sub); err != nil {
		log.Printf("ERROR: Failed to update subscription %s: %v", sub.ID, err)
		return webutil.ErrInternalServerWrap("Failed to update subscription", err)
	}

	webutil.RespondWithJSON(w, http.StatusOK, sub)
	return nil
}

// HandleToggleSubscription flips the enabled flag. Disabling clears the
// next run time; re-enabling recomputes it.
// Example route: POST /api/subscriptions/{id}/toggle
func (h *SubscriptionHandler) HandleToggleSubscription(w http.ResponseWriter, r *http.Request) error {
	sub, err := h.loadSubscription(r)
	if err != nil {
		return err
	}

	sub.Enabled = !sub.Enabled
	if sub.Enabled {
		user, err := h.Users.GetUserByID(r.Context(), sub.UserID)
		if err != nil {
			return webutil.ErrInternalServerWrap("Failed to load subscription owner", err)
		}
		if err := h.computeNextRun(sub, user.Timezone); err != nil {
			return err
		}
	} else {
		sub.NextRunAt = nil
	}

	if err := h.Subs.UpdateSubscription(r.Context(), sub); err != nil {
		log.Printf("ERROR: Failed to toggle subscription %s: %v", sub.ID, err)
		return webutil.ErrInternalServerWrap("Failed to toggle subscription", err)
	}

	log.Printf("INFO: Subscription %s enabled=%t", sub.ID, sub.Enabled)
	webutil.RespondWithJSON(w, http.StatusOK, sub)
	return nil
}

// HandleDeleteSubscription removes a subscription. Its delivery history
// is kept until retention cleanup purges it.
// Example route: DELETE /api/subscriptions/{id}
func (h *SubscriptionHandler) HandleDeleteSubscription(w http.ResponseWriter, r *http.Request) error {
	subID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(subID); err != nil {
		return webutil.ErrBadRequest("Invalid subscription ID format in path")
	}

	if err := h.Subs.DeleteSubscription(r.Context(), subID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return webutil.ErrNotFound("Subscription not found.")
		}
		log.Printf("ERROR: Failed to delete subscription %s: %v", subID, err)
		return webutil.ErrInternalServerWrap("Failed to delete subscription", err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// HandleSendNow queues an immediate delivery, bypassing the same-day
// duplicate check. The delivery runs in the background; 202 means queued,
// not delivered.
// Example route: POST /api/subscriptions/{id}/send-now
func (h *SubscriptionHandler) HandleSendNow(w http.ResponseWriter, r *http.Request) error {
	sub, err := h.loadSubscription(r)
	if err != nil {
		return err
	}

	if err := h.Scheduler.TriggerNow(r.Context(), sub.ID, true); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			return webutil.ErrConflict("A delivery for this subscription is already running.")
		}
		log.Printf("ERROR: Failed to queue delivery for subscription %s: %v", sub.ID, err)
		return webutil.ErrInternalServerWrap("Failed to queue delivery", err)
	}

	log.Printf("INFO: Manual delivery queued for subscription %s (%s)", sub.ID, sub.Name)
	webutil.RespondWithJSON(w, http.StatusAccepted, map[string]string{
		"status":          "queued",
		"subscription_id": sub.ID,
	})
	return nil
}

func (h *SubscriptionHandler) loadSubscription(r *http.Request) (*models.Subscription, error) {
	subID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(subID); err != nil {
		return nil, webutil.ErrBadRequest("Invalid subscription ID format in path")
	}

	sub, err := h.Subs.GetSubscriptionByID(r.Context(), subID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, webutil.ErrNotFound("Subscription not found.")
		}
		log.Printf("ERROR: Failed to get subscription %s: %v", subID, err)
		return nil, webutil.ErrInternalServerWrap("Failed to retrieve subscription", err)
	}
	return sub, nil
}

// computeNextRun validates the schedule against the owner's timezone and
// sets NextRunAt. Invalid schedule configuration surfaces as a 400.
func (h *SubscriptionHandler) computeNextRun(sub *models.Subscription, timezone string) error {
	next, err := schedule.ComputeNextRun(sub.Schedule, time.Now().UTC(), timezone)
	if err != nil {
		var cfgErr *models.ConfigurationError
		if errors.As(err, &cfgErr) {
			return webutil.ErrBadRequest(cfgErr.Reason)
		}
		return webutil.ErrInternalServerWrap("Failed to compute next run time", err)
	}
	sub.NextRunAt = next
	return nil
}
