package render

import (
	"fmt"

	"github.com/xhad/ouragboros/internal/models"
	"github.com/xhad/ouragboros/internal/types"
)

// DownloadURL is the route serving the content of match index in session id.
func DownloadURL(sessionID string, index int) string {
	return fmt.Sprintf("/api/sessions/%s/documents/%d", sessionID, index)
}

// Sources builds the source panels for matches in ranked order.
func (p Preview) Sources(sessionID string, matches []models.Match) types.SourcesPayload {
	panels := make([]types.SourcePanel, 0, len(matches))
	for i, m := range matches {
		preview, truncated := p.Render(m.Content)
		panels = append(panels, types.SourcePanel{
			Index:       i,
			Heading:     Heading(m.Document),
			Score:       m.Score,
			Preview:     preview,
			Truncated:   truncated,
			FileName:    DownloadName(m.Document),
			DownloadURL: DownloadURL(sessionID, i),
		})
	}
	return types.SourcesPayload{
		Label:  SourcesLabel(len(matches)),
		Panels: panels,
	}
}
