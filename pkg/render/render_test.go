package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xhad/ouragboros/internal/models"
)

func TestPreview(t *testing.T) {
	p := DefaultPreview()

	long := strings.Repeat("a", 600)
	got, truncated := p.Render(long)
	assert.True(t, truncated)
	assert.Equal(t, strings.Repeat("a", 500)+TruncationNotice, got)

	short := strings.Repeat("b", 80)
	got, truncated = p.Render(short)
	assert.False(t, truncated)
	assert.Equal(t, short, got)

	exact := strings.Repeat("c", 500)
	got, truncated = p.Render(exact)
	assert.False(t, truncated)
	assert.Equal(t, exact, got)
}

func TestPreviewLegacyNoticeThreshold(t *testing.T) {
	p := Preview{Length: 500, NoticeThreshold: 100}

	got, truncated := p.Render(strings.Repeat("x", 150))
	assert.True(t, truncated)
	assert.Equal(t, strings.Repeat("x", 150)+TruncationNotice, got)

	got, truncated = p.Render(strings.Repeat("x", 80))
	assert.False(t, truncated)
	assert.Equal(t, strings.Repeat("x", 80), got)
}

func TestPreviewNoticeOnEveryCut(t *testing.T) {
	p := Preview{Length: 100, NoticeThreshold: 500}

	got, truncated := p.Render(strings.Repeat("x", 300))
	assert.True(t, truncated)
	assert.Equal(t, strings.Repeat("x", 100)+TruncationNotice, got)

	got, truncated = p.Render(strings.Repeat("x", 100))
	assert.False(t, truncated)
	assert.Equal(t, strings.Repeat("x", 100), got)
}

func TestPreviewCountsCharactersNotBytes(t *testing.T) {
	p := Preview{Length: 3}
	got, truncated := p.Render("héllo")
	assert.True(t, truncated)
	assert.Equal(t, "hél"+TruncationNotice, got)
}

func TestHeading(t *testing.T) {
	doc := models.Document{
		ID: "id-1",
		Metadata: map[string]interface{}{
			models.MetaSource:              "/srv/docs/handbook.pdf",
			models.MetaPageNumber:          4,
			models.MetaChunkIndex:          float64(2),
			models.MetaChunkOverlapPercent: 20,
		},
	}
	assert.Equal(t, "handbook.pdf_page4_chunk2_overlap20", Heading(doc))

	partial := models.Document{
		ID: "id-2",
		Metadata: map[string]interface{}{
			models.MetaChunkIndex: 0,
		},
	}
	assert.Equal(t, "id-2_chunk0", Heading(partial))

	assert.Equal(t, "document", Heading(models.Document{}))
}

func TestDownloadName(t *testing.T) {
	assert.Equal(t, "handbook.pdf", DownloadName(models.Document{
		Metadata: map[string]interface{}{models.MetaSource: "/srv/docs/handbook.pdf"},
	}))
	assert.Equal(t, "guide.html", DownloadName(models.Document{
		Metadata: map[string]interface{}{models.MetaSource: "https://example.com/docs/guide.html?x=1"},
	}))
	assert.Equal(t, "notes.txt", DownloadName(models.Document{
		Metadata: map[string]interface{}{models.MetaSource: `C:\data\notes.txt`},
	}))
	assert.Equal(t, "abc.txt", DownloadName(models.Document{ID: "abc"}))
	assert.Equal(t, "document.txt", DownloadName(models.Document{}))
}

func TestMatchWording(t *testing.T) {
	assert.Equal(t, "Found 1 document match.", MatchSummary(1))
	assert.Equal(t, "Found 3 document matches.", MatchSummary(3))
	assert.Equal(t, "Source document", SourcesLabel(1))
	assert.Equal(t, "Source documents", SourcesLabel(2))
}

func TestFormatScore(t *testing.T) {
	assert.Equal(t, "1.4000", FormatScore(1.4))
}
