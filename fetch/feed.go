package fetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/coreybb/kindledrop/ebook"
	"github.com/coreybb/kindledrop/models"
)

// maxArticleBytes caps how much of a linked page we read when the feed
// entry itself carries no usable body.
const maxArticleBytes = 5 << 20

// FeedFetcher builds an EPUB from an RSS/Atom feed. Feed entries that
// carry only a summary are resolved by downloading the linked page and
// extracting the main article content.
type FeedFetcher struct {
	parser     *gofeed.Parser
	httpClient *http.Client
	builder    *ebook.Builder
	htmlPolicy *bluemonday.Policy
	timeout    time.Duration
}

func NewFeedFetcher(builder *ebook.Builder, timeout time.Duration) *FeedFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &FeedFetcher{
		parser:     gofeed.NewParser(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		builder:    builder,
		htmlPolicy: bluemonday.UGCPolicy(),
		timeout:    timeout,
	}
}

func (f *FeedFetcher) Type() models.SubscriptionType {
	return models.SubscriptionTypeFeed
}

// Fetch parses the subscription's feed URL, assembles the most recent
// articles per the subscription's fetch options, and writes an EPUB to
// outputPath.
func (f *FeedFetcher) Fetch(ctx context.Context, sub *models.Subscription, outputPath string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	feed, err := f.parser.ParseURLWithContext(sub.Source, ctx)
	if err != nil {
		return classifyFeedError(ctx, sub.Source, err)
	}

	items := selectItems(feed.Items, sub.Options)
	if len(items) == 0 {
		return &models.FetchError{
			Kind:   models.FetchErrorNotFound,
			Detail: fmt.Sprintf("feed %q has no articles within the last %d days", sub.Source, sub.Options.OldestDays),
		}
	}

	log.Printf("INFO (FeedFetcher): Feed '%s' yielded %d of %d items after filtering.", feed.Title, len(items), len(feed.Items))

	articles := make([]ebook.Article, 0, len(items))
	for _, item := range items {
		html, err := f.articleHTML(ctx, item)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return &models.FetchError{
					Kind:   models.FetchErrorTimeout,
					Detail: fmt.Sprintf("feed %q timed out after %s", sub.Source, f.timeout),
				}
			}
			log.Printf("WARN (FeedFetcher): Skipping article '%s': %v", item.Title, err)
			continue
		}
		articles = append(articles, ebook.Article{
			Title:     item.Title,
			HTML:      html,
			Link:      item.Link,
			Published: itemTimestamp(item),
		})
	}

	if len(articles) == 0 {
		return &models.FetchError{
			Kind:   models.FetchErrorNotFound,
			Detail: fmt.Sprintf("feed %q yielded no extractable articles", sub.Source),
		}
	}

	title := feed.Title
	if title == "" {
		title = sub.Name
	}

	size, err := f.builder.Build(outputPath, title, feed.Title, articles, sub.Options.IncludeImages)
	if err != nil {
		return &models.FetchError{
			Kind:   models.FetchErrorToolFailure,
			Detail: fmt.Sprintf("failed to build EPUB for feed %q: %v", sub.Source, err),
		}
	}

	log.Printf("INFO (FeedFetcher): Generated EPUB %s (%.1f KB, %d articles)", outputPath, float64(size)/1024, len(articles))
	return nil
}

// articleHTML returns the sanitized body for one feed item. Entries
// carrying a full content block are used directly; summary-only entries
// are resolved by fetching the linked page.
func (f *FeedFetcher) articleHTML(ctx context.Context, item *gofeed.Item) (string, error) {
	body := item.Content
	if body == "" {
		body = item.Description
	}

	// A short body is usually a teaser, not the article.
	if len(body) < 500 && item.Link != "" {
		if fetched, err := f.extractLinkedPage(ctx, item.Link); err == nil {
			return fetched, nil
		} else {
			log.Printf("WARN (FeedFetcher): Readability extraction failed for '%s': %v. Using feed-provided body.", item.Link, err)
		}
	}

	if body == "" {
		return "", fmt.Errorf("item has no content and no resolvable link")
	}
	return f.htmlPolicy.Sanitize(body), nil
}

func (f *FeedFetcher) extractLinkedPage(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxArticleBytes))
	if err != nil {
		return "", err
	}

	pageURL, _ := url.Parse(link)
	cleaned := f.htmlPolicy.Sanitize(string(raw))
	article, err := readability.FromReader(strings.NewReader(cleaned), pageURL)
	if err != nil {
		return "", err
	}
	if article.Content == "" {
		return "", fmt.Errorf("readability returned empty content")
	}
	return article.Content, nil
}

// selectItems filters out items older than the subscription's window
// and caps the result at MaxArticles. Feed order is preserved.
func selectItems(items []*gofeed.Item, opts models.FetchOptions) []*gofeed.Item {
	cutoff := time.Now().UTC().AddDate(0, 0, -opts.OldestDays)

	var selected []*gofeed.Item
	for _, item := range items {
		if ts := itemTimestamp(item); ts != nil && ts.Before(cutoff) {
			continue
		}
		selected = append(selected, item)
		if len(selected) >= opts.MaxArticles {
			break
		}
	}
	return selected
}

// itemTimestamp prefers the published time, falling back to the update
// time. Items with neither are treated as current.
func itemTimestamp(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	return item.UpdatedParsed
}

func classifyFeedError(ctx context.Context, source string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &models.FetchError{
			Kind:   models.FetchErrorTimeout,
			Detail: fmt.Sprintf("feed %q timed out", source),
		}
	}
	if he, ok := err.(gofeed.HTTPError); ok && he.StatusCode == http.StatusNotFound {
		return &models.FetchError{
			Kind:   models.FetchErrorNotFound,
			Detail: fmt.Sprintf("feed %q returned 404", source),
		}
	}
	return &models.FetchError{
		Kind:   models.FetchErrorToolFailure,
		Detail: fmt.Sprintf("failed to parse feed %q: %v", source, err),
	}
}
