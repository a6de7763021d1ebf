package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rh "github.com/coreybb/kindledrop/route-handlers"
	"github.com/coreybb/kindledrop/webutil"
)

const (
	apiBasePath           = "/api"
	subscriptionsBasePath = "/subscriptions"
	deliveriesBasePath    = "/deliveries"
	recipesBasePath       = "/recipes"
	usersBasePath         = "/users"
	settingsSubPath       = "/settings"
)

const (
	paramID     = "id"
	paramUserID = "userID"
)

func SetupRoutes(
	subscriptionHandler *rh.SubscriptionHandler,
	deliveryHandler *rh.DeliveryHandler,
	settingsHandler *rh.SettingsHandler,
	recipeHandler *rh.RecipeHandler,
	registry *prometheus.Registry,
) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)                    // Log every request
	r.Use(middleware.Recoverer)                 // Recover from panics
	r.Use(middleware.Timeout(60 * time.Second)) // Set a timeout context for requests
	r.Use(SetHeader(webutil.HeaderContentType, webutil.ContentTypeJSONUTF8))

	r.Route(apiBasePath, func(r chi.Router) {
		configureSubscriptionRoutes(r, subscriptionHandler)
		configureDeliveryRoutes(r, deliveryHandler)
		configureSettingsRoutes(r, settingsHandler)
		configureRecipeRoutes(r, recipeHandler)
	})

	// Health check endpoint
	r.Get("/healthz", handleHealthCheck)

	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return r
}

// Helper for constructing paths with a parameter
func pathWithParam(basePath string, paramName string) string {
	if basePath == "" {
		return "/{" + paramName + "}"
	}
	return basePath + "/{" + paramName + "}"
}

// --- Subscription Routes ---
func configureSubscriptionRoutes(r chi.Router, handler *rh.SubscriptionHandler) {
	specificSubscriptionPath := pathWithParam("", paramID) // e.g., "/{id}"

	r.Route(subscriptionsBasePath, func(r chi.Router) {
		r.Get("/", webutil.MakeHandler(handler.HandleGetSubscriptions)) // Query param for user_id
		r.Post("/", webutil.MakeHandler(handler.HandleCreateSubscription))
		r.Route(specificSubscriptionPath, func(r chi.Router) {
			r.Get("/", webutil.MakeHandler(handler.HandleGetSubscription))
			r.Put("/", webutil.MakeHandler(handler.HandleUpdateSubscription))
			r.Delete("/", webutil.MakeHandler(handler.HandleDeleteSubscription))
			r.Post("/toggle", webutil.MakeHandler(handler.HandleToggleSubscription)) // POST /subscriptions/{id}/toggle
			r.Post("/send-now", webutil.MakeHandler(handler.HandleSendNow))          // POST /subscriptions/{id}/send-now
		})
	})
}

// --- Delivery Routes ---
func configureDeliveryRoutes(r chi.Router, handler *rh.DeliveryHandler) {
	specificDeliveryPath := pathWithParam("", paramID) // e.g., "/{id}"

	r.Route(deliveriesBasePath, func(r chi.Router) {
		r.Get("/", webutil.MakeHandler(handler.HandleGetDeliveries)) // Query params for user_id, limit, offset
		r.Route(specificDeliveryPath, func(r chi.Router) {
			r.Get("/", webutil.MakeHandler(handler.HandleGetDelivery))
			r.Post("/retry", webutil.MakeHandler(handler.HandleRetryDelivery)) // POST /deliveries/{id}/retry
		})
	})
}

// --- Settings Routes ---
func configureSettingsRoutes(r chi.Router, handler *rh.SettingsHandler) {
	userSettingsPath := usersBasePath + pathWithParam("", paramUserID) + settingsSubPath

	r.Route(userSettingsPath, func(r chi.Router) {
		r.Get("/", webutil.MakeHandler(handler.HandleGetSettings))
		r.Put("/", webutil.MakeHandler(handler.HandleUpdateSettings))
		r.Post("/test-email", webutil.MakeHandler(handler.HandleTestEmail)) // POST /users/{userID}/settings/test-email
	})
}

// --- Recipe Routes ---
func configureRecipeRoutes(r chi.Router, handler *rh.RecipeHandler) {
	r.Get(recipesBasePath, webutil.MakeHandler(handler.HandleGetRecipes))
}

// --- Utility Functions ---

// handleHealthCheck responds to a health check request.
func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(webutil.HeaderContentType, webutil.ContentTypeTextPlainUTF8)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// SetHeader is a middleware to set a response header.
func SetHeader(key, value string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(key, value)
			next.ServeHTTP(w, r)
		})
	}
}
