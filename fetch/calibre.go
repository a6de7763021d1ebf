package fetch

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/coreybb/kindledrop/models"
)

const ebookConvertBinary = "ebook-convert"

// DefaultFetchTimeout bounds a single recipe run. Recipes download live
// content from news sites, so the ceiling is generous.
const DefaultFetchTimeout = 10 * time.Minute

// Recipe describes one built-in Calibre news source.
type Recipe struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	Language string `json:"language,omitempty"`
}

// CalibreFetcher wraps the external ebook-convert tool. Each fetch runs
// the tool out-of-process under a context timeout.
type CalibreFetcher struct {
	binPath string
	timeout time.Duration

	mu          sync.Mutex
	recipeCache []Recipe
}

// NewCalibreFetcher creates a CalibreFetcher, attempting to find the
// ebook-convert executable. A missing binary is reported at fetch time,
// not here, so the process can still serve feed subscriptions.
func NewCalibreFetcher(timeout time.Duration) *CalibreFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	path, err := exec.LookPath(ebookConvertBinary)
	if err != nil {
		log.Printf("WARN (CalibreFetcher): %s not found in PATH. Recipe subscriptions will fail.", ebookConvertBinary)
	} else {
		log.Printf("INFO (CalibreFetcher): Found %s at: %s", ebookConvertBinary, path)
	}

	return &CalibreFetcher{
		binPath: path,
		timeout: timeout,
	}
}

func (f *CalibreFetcher) Type() models.SubscriptionType {
	return models.SubscriptionTypeRecipe
}

// Fetch runs the subscription's built-in recipe and writes the EPUB to
// outputPath.
func (f *CalibreFetcher) Fetch(ctx context.Context, sub *models.Subscription, outputPath string) error {
	if f.binPath == "" {
		return &models.FetchError{
			Kind:   models.FetchErrorToolFailure,
			Detail: fmt.Sprintf("%s executable not found, cannot fetch recipe %q", ebookConvertBinary, sub.Source),
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	args := buildRecipeArgs(sub.Source, outputPath, sub.Options)
	log.Printf("INFO (CalibreFetcher): Running %s %s", f.binPath, strings.Join(args, " "))

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binPath, args...)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &models.FetchError{
				Kind:   models.FetchErrorTimeout,
				Detail: fmt.Sprintf("recipe %q timed out after %s", sub.Source, f.timeout),
			}
		}
		return &models.FetchError{
			Kind:   models.FetchErrorToolFailure,
			Detail: fmt.Sprintf("recipe %q failed: %s", sub.Source, lastNonEmptyLine(stderrBuf.String())),
		}
	}

	return validateOutput(sub.Source, outputPath)
}

// buildRecipeArgs assembles the ebook-convert invocation for a built-in
// recipe with the subscription's fetch options applied.
func buildRecipeArgs(recipeName, outputPath string, opts models.FetchOptions) []string {
	args := []string{
		recipeName + ".recipe",
		outputPath,
		fmt.Sprintf("--max-articles-per-feed=%d", opts.MaxArticles),
		fmt.Sprintf("--oldest-article=%d", opts.OldestDays),
		"--output-profile=kindle",
	}
	if !opts.IncludeImages {
		args = append(args, "--dont-download-recipe")
	}
	return args
}

// validateOutput rejects missing or empty tool output as "no content"
// rather than handing a useless file to the sender.
func validateOutput(source, outputPath string) error {
	info, err := os.Stat(outputPath)
	if err != nil {
		return &models.FetchError{
			Kind:   models.FetchErrorNotFound,
			Detail: fmt.Sprintf("recipe %q produced no output file", source),
		}
	}
	if info.Size() == 0 {
		os.Remove(outputPath) // Clean up the empty file
		return &models.FetchError{
			Kind:   models.FetchErrorNotFound,
			Detail: fmt.Sprintf("recipe %q produced an empty file", source),
		}
	}
	return nil
}

// Verify checks that the external tool is present and responsive.
// Called at startup; a failure is logged, not fatal.
func (f *CalibreFetcher) Verify(ctx context.Context) (string, error) {
	if f.binPath == "" {
		return "", fmt.Errorf("%s executable not found in PATH", ebookConvertBinary)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, f.binPath, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s version check failed: %w", ebookConvertBinary, err)
	}

	version := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	return version, nil
}

// ListRecipes returns the built-in recipe catalog, cached after the
// first successful listing. The cache is adapter-internal: it serves
// settings lookups and never participates in the delivery contract.
func (f *CalibreFetcher) ListRecipes(ctx context.Context, forceRefresh bool) ([]Recipe, error) {
	f.mu.Lock()
	if f.recipeCache != nil && !forceRefresh {
		cached := f.recipeCache
		f.mu.Unlock()
		return cached, nil
	}
	f.mu.Unlock()

	if f.binPath == "" {
		return nil, fmt.Errorf("%s executable not found in PATH", ebookConvertBinary)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	out, err := exec.CommandContext(ctx, f.binPath, "--list-recipes").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list recipes: %w", err)
	}

	recipes := parseRecipeList(string(out))
	log.Printf("INFO (CalibreFetcher): Loaded %d built-in recipes", len(recipes))

	f.mu.Lock()
	f.recipeCache = recipes
	f.mu.Unlock()
	return recipes, nil
}

var (
	recipeLangRegex  = regexp.MustCompile(`^(\w{2,3})(?:\s|$)`)
	recipeTitleRegex = regexp.MustCompile(`^(.+?)\s*(?:\[(.+?)\])?\s*$`)
	recipeNameStrip  = regexp.MustCompile(`[^\w\s-]`)
	recipeNameSpaces = regexp.MustCompile(`\s+`)
)

// parseRecipeList parses the --list-recipes output, which groups recipe
// titles under short language-code headers.
func parseRecipeList(output string) []Recipe {
	var recipes []Recipe
	var currentLang string

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if m := recipeLangRegex.FindStringSubmatch(line); m != nil && len(line) <= 10 {
			currentLang = strings.ToLower(m[1])
			continue
		}

		m := recipeTitleRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		title := strings.TrimSpace(m[1])
		name := titleToRecipeName(title)
		if name == "" {
			continue
		}
		recipes = append(recipes, Recipe{
			Name:     name,
			Title:    title,
			Language: currentLang,
		})
	}
	return recipes
}

func titleToRecipeName(title string) string {
	name := recipeNameStrip.ReplaceAllString(title, "")
	name = recipeNameSpaces.ReplaceAllString(strings.TrimSpace(name), "_")
	return strings.ToLower(name)
}

func lastNonEmptyLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "unknown error"
}
