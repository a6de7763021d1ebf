package ebook

import (
	"fmt"
	"html"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	epub "github.com/go-shiori/go-epub"
)

var imgSrcRegex = regexp.MustCompile(`<img([^>]*)\ssrc=["']([^"']+)["']([^>]*)>`)

// Article is one piece of content bound into an issue.
type Article struct {
	Title     string
	HTML      string
	Link      string
	Published *time.Time
}

// Builder assembles fetched articles into an EPUB file.
type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

// Build writes an EPUB containing one section per article and returns the
// file size in bytes. When includeImages is false, all <img> tags are
// stripped instead of embedded.
func (b *Builder) Build(outputPath, title, author string, articles []Article, includeImages bool) (int64, error) {
	if outputPath == "" {
		return 0, fmt.Errorf("output path cannot be empty")
	}
	if len(articles) == 0 {
		return 0, fmt.Errorf("no articles to build")
	}
	if title == "" {
		title = "Kindledrop Issue"
	}
	if author == "" {
		author = "Kindledrop"
	}

	startTime := time.Now()

	e, err := epub.NewEpub(title)
	if err != nil {
		return 0, fmt.Errorf("failed to create epub: %w", err)
	}
	e.SetAuthor(author)
	e.SetLang("en")

	for _, article := range articles {
		body := article.HTML
		if includeImages {
			body = embedImages(e, body)
		} else {
			body = imgSrcRegex.ReplaceAllString(body, "")
		}

		section := fmt.Sprintf("<h1>%s</h1>%s%s",
			html.EscapeString(article.Title), articleByline(article), body)

		if _, err := e.AddSection(section, article.Title, "", ""); err != nil {
			return 0, fmt.Errorf("failed to add section %q to epub: %w", article.Title, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := e.Write(outputPath); err != nil {
		return 0, fmt.Errorf("failed to write epub file: %w", err)
	}

	stat, err := os.Stat(outputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat output file '%s': %w", outputPath, err)
	}

	log.Printf("INFO (Builder): Generated EPUB %s with %d articles (Size: %d bytes, Took: %s)",
		outputPath, len(articles), stat.Size(), time.Since(startTime))

	return stat.Size(), nil
}

func articleByline(article Article) string {
	if article.Published == nil {
		return ""
	}
	return fmt.Sprintf("<p><em>%s</em></p>", article.Published.Format("Jan 2, 2006 15:04"))
}

// embedImages finds all <img> tags with external URLs and embeds them in
// the EPUB so the issue reads offline.
func embedImages(e *epub.Epub, body string) string {
	imageCount := 0

	result := imgSrcRegex.ReplaceAllStringFunc(body, func(match string) string {
		submatches := imgSrcRegex.FindStringSubmatch(match)
		if len(submatches) < 4 {
			return match
		}

		srcURL := submatches[2]

		if strings.HasPrefix(srcURL, "data:") {
			return match
		}
		if !strings.HasPrefix(srcURL, "http://") && !strings.HasPrefix(srcURL, "https://") {
			return match
		}

		imageCount++
		internalName := fmt.Sprintf("image-%03d", imageCount)

		embeddedPath, err := e.AddImage(srcURL, internalName)
		if err != nil {
			log.Printf("WARN (Builder): Failed to embed image %s: %v", srcURL, err)
			return match
		}

		return fmt.Sprintf(`<img%s src="%s"%s>`, submatches[1], embeddedPath, submatches[3])
	})

	if imageCount > 0 {
		log.Printf("INFO (Builder): Embedded %d images in EPUB", imageCount)
	}

	return result
}
