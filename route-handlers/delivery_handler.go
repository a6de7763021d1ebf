package routehandlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coreybb/kindledrop/datastore"
	"github.com/coreybb/kindledrop/models"
	"github.com/coreybb/kindledrop/scheduler"
	"github.com/coreybb/kindledrop/webutil"
)

const (
	defaultDeliveryPageSize = 20
	maxDeliveryPageSize     = 100
)

// DeliveryHandler serves delivery history and the retry entry point.
type DeliveryHandler struct {
	Deliveries *datastore.DeliveryRepository
	Scheduler  *scheduler.Scheduler
}

func NewDeliveryHandler(deliveries *datastore.DeliveryRepository, sched *scheduler.Scheduler) *DeliveryHandler {
	return &DeliveryHandler{Deliveries: deliveries, Scheduler: sched}
}

// HandleGetDeliveries lists recent deliveries for a user, most recent
// first.
// Example route: GET /api/deliveries?user_id={userID}&limit=20&offset=0
func (h *DeliveryHandler) HandleGetDeliveries(w http.ResponseWriter, r *http.Request) error {
	userID := r.URL.Query().Get("user_id")
	if _, err := uuid.Parse(userID); err != nil {
		return webutil.ErrBadRequest("A valid user_id query parameter is required")
	}

	limit := queryInt(r, "limit", defaultDeliveryPageSize)
	if limit < 1 || limit > maxDeliveryPageSize {
		return webutil.ErrBadRequest("limit must be between 1 and 100")
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return webutil.ErrBadRequest("offset must not be negative")
	}

	deliveries, err := h.Deliveries.ListDeliveriesByUserID(r.Context(), userID, limit, offset)
	if err != nil {
		log.Printf("ERROR: Failed to list deliveries for user %s: %v", userID, err)
		return webutil.ErrInternalServerWrap("Failed to retrieve deliveries", err)
	}

	webutil.RespondWithJSON(w, http.StatusOK, deliveries)
	return nil
}

// HandleGetDelivery retrieves one delivery record.
// Example route: GET /api/deliveries/{id}
func (h *DeliveryHandler) HandleGetDelivery(w http.ResponseWriter, r *http.Request) error {
	delivery, err := h.loadDelivery(r)
	if err != nil {
		return err
	}
	webutil.RespondWithJSON(w, http.StatusOK, delivery)
	return nil
}

// HandleRetryDelivery queues a fresh attempt for a failed delivery's
// subscription. Only the most recent attempt can be retried, and the
// retry goes through normal duplicate suppression.
// Example route: POST /api/deliveries/{id}/retry
func (h *DeliveryHandler) HandleRetryDelivery(w http.ResponseWriter, r *http.Request) error {
	delivery, err := h.loadDelivery(r)
	if err != nil {
		return err
	}

	if delivery.Status != models.DeliveryStatusFailed {
		return webutil.ErrBadRequest("Only failed deliveries can be retried")
	}

	latest, err := h.Deliveries.GetLatestDeliveryBySubscriptionID(r.Context(), delivery.SubscriptionID)
	if err != nil {
		log.Printf("ERROR: Failed to check latest delivery for subscription %s: %v", delivery.SubscriptionID, err)
		return webutil.ErrInternalServerWrap("Failed to check delivery history", err)
	}
	if latest == nil || latest.ID != delivery.ID {
		return webutil.ErrConflict("A newer delivery attempt exists for this subscription.")
	}

	if err := h.Scheduler.TriggerNow(r.Context(), delivery.SubscriptionID, false); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			return webutil.ErrConflict("A delivery for this subscription is already running.")
		}
		if strings.Contains(err.Error(), "not found") {
			return webutil.ErrBadRequest("The subscription for this delivery no longer exists")
		}
		log.Printf("ERROR: Failed to queue retry for delivery %s: %v", delivery.ID, err)
		return webutil.ErrInternalServerWrap("Failed to queue retry", err)
	}

	log.Printf("INFO: Retry queued for delivery %s (subscription %s)", delivery.ID, delivery.SubscriptionID)
	webutil.RespondWithJSON(w, http.StatusAccepted, map[string]string{
		"status":          "queued",
		"subscription_id": delivery.SubscriptionID,
	})
	return nil
}

func (h *DeliveryHandler) loadDelivery(r *http.Request) (*models.Delivery, error) {
	deliveryID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(deliveryID); err != nil {
		return nil, webutil.ErrBadRequest("Invalid delivery ID format in path")
	}

	delivery, err := h.Deliveries.GetDeliveryByID(r.Context(), deliveryID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, webutil.ErrNotFound("Delivery not found.")
		}
		log.Printf("ERROR: Failed to get delivery %s: %v", deliveryID, err)
		return nil, webutil.ErrInternalServerWrap("Failed to retrieve delivery", err)
	}
	return delivery, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
