// Package render formats retrieval results for display.
package render

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/xhad/ouragboros/internal/models"
)

// TruncationNotice is appended to previews of long documents.
const TruncationNotice = "... [download file to see more]"

const (
	NoMatchesNotice = "No document matches found. Try a new query or lower the score " +
		"threshold for a more context-aware response."
	SearchingStatus = "Searching knowledge base for relevant documentation..."
)

// Preview controls how much document text is shown inline.
type Preview struct {
	// Length is the number of characters shown.
	Length int
	// NoticeThreshold is the content length above which TruncationNotice is
	// appended. Zero uses Length. Cut content always gets the notice.
	NoticeThreshold int
}

func DefaultPreview() Preview {
	return Preview{Length: 500, NoticeThreshold: 500}
}

// Render returns the first Length characters of content and whether the
// truncation notice was appended.
func (p Preview) Render(content string) (string, bool) {
	threshold := p.NoticeThreshold
	if threshold <= 0 {
		threshold = p.Length
	}

	runes := []rune(content)
	shown := runes
	if p.Length >= 0 && len(runes) > p.Length {
		shown = runes[:p.Length]
	}
	if len(runes) > threshold || len(shown) < len(runes) {
		return string(shown) + TruncationNotice, true
	}
	return string(shown), false
}

// Heading composes "<file>_page<n>_chunk<n>_overlap<n>" from the document
// metadata. Missing fields are left out rather than failing the render.
func Heading(doc models.Document) string {
	var parts []string
	if name := baseName(doc); name != "" {
		parts = append(parts, name)
	}
	if n, ok := doc.PageNumber(); ok {
		parts = append(parts, "page"+strconv.Itoa(n))
	}
	if n, ok := doc.ChunkIndex(); ok {
		parts = append(parts, "chunk"+strconv.Itoa(n))
	}
	if n, ok := doc.ChunkOverlapPercent(); ok {
		parts = append(parts, "overlap"+strconv.Itoa(n))
	}
	if len(parts) == 0 {
		return "document"
	}
	return strings.Join(parts, "_")
}

// DownloadName is the file name offered when downloading doc.
func DownloadName(doc models.Document) string {
	if name := sourceBase(doc); name != "" {
		return name
	}
	if doc.ID != "" {
		return doc.ID + ".txt"
	}
	return "document.txt"
}

// MatchSummary reports the number of matches, e.g. "Found 1 document match.".
func MatchSummary(n int) string {
	return fmt.Sprintf("Found %d document match%s.", n, plural(n, "es"))
}

// SourcesLabel titles the source panel list.
func SourcesLabel(n int) string {
	return "Source document" + plural(n, "s")
}

func FormatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 4, 64)
}

func plural(n int, suffix string) string {
	if n == 1 {
		return ""
	}
	return suffix
}

func baseName(doc models.Document) string {
	if name := sourceBase(doc); name != "" {
		return name
	}
	return doc.ID
}

// sourceBase handles both file paths and URLs.
func sourceBase(doc models.Document) string {
	source, ok := doc.Source()
	if !ok {
		return ""
	}
	source = strings.ReplaceAll(source, "\\", "/")
	if i := strings.IndexAny(source, "?#"); i >= 0 {
		source = source[:i]
	}
	name := path.Base(strings.TrimRight(source, "/"))
	if name == "." || name == "/" || strings.HasSuffix(name, ":") {
		return ""
	}
	return name
}
