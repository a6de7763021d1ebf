package routehandlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/coreybb/kindledrop/fetch"
	"github.com/coreybb/kindledrop/webutil"
)

// RecipeHandler exposes the built-in Calibre recipe catalog so clients
// can browse sources when creating recipe subscriptions.
type RecipeHandler struct {
	Calibre *fetch.CalibreFetcher
}

func NewRecipeHandler(calibre *fetch.CalibreFetcher) *RecipeHandler {
	return &RecipeHandler{Calibre: calibre}
}

// HandleGetRecipes lists built-in recipes, optionally filtered.
// Example route: GET /api/recipes?search=guardian&language=en&refresh=true
func (h *RecipeHandler) HandleGetRecipes(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	forceRefresh := q.Get("refresh") == "true"

	recipes, err := h.Calibre.ListRecipes(r.Context(), forceRefresh)
	if err != nil {
		log.Printf("ERROR: Failed to list recipes: %v", err)
		return webutil.ErrInternalServerWrap("Failed to list recipes", err)
	}

	search := strings.ToLower(q.Get("search"))
	language := strings.ToLower(q.Get("language"))

	filtered := recipes[:0:0]
	for _, recipe := range recipes {
		if search != "" && !strings.Contains(strings.ToLower(recipe.Title), search) {
			continue
		}
		if language != "" && recipe.Language != language {
			continue
		}
		filtered = append(filtered, recipe)
	}

	webutil.RespondWithJSON(w, http.StatusOK, map[string]any{
		"recipes": filtered,
		"total":   len(filtered),
	})
	return nil
}
