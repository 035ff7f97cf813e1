package processor

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/xhad/ouragboros/internal/models"
)

// chunkNamespace scopes the deterministic chunk IDs.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/xhad/ouragboros/chunk"))

type ProcessorConfig struct {
	ChunkSize      int
	ChunkOverlap   int
	MinChunkLength int
}

type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap < 0 {
		config.ChunkOverlap = 0
	}
	if config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 5
	}
	if config.MinChunkLength <= 0 {
		config.MinChunkLength = 1
	}

	return Processor{
		config: config,
	}
}

// OverlapPercent is the chunk overlap as a share of the chunk size.
func (p *Processor) OverlapPercent() int {
	return int(math.Round(100 * float64(p.config.ChunkOverlap) / float64(p.config.ChunkSize)))
}

// Process splits pages into chunk documents carrying source, page and chunk
// metadata. Chunk indexes restart at zero on every page.
func (p *Processor) Process(pages []models.Page) ([]models.Document, error) {
	var docs []models.Document
	overlap := p.OverlapPercent()

	for _, page := range pages {
		if page.Source == "" {
			return nil, fmt.Errorf("page %d has no source", page.PageNumber)
		}
		pageNumber := page.PageNumber
		if pageNumber <= 0 {
			pageNumber = 1
		}

		for i, chunk := range p.Split(page.Text) {
			metadata := map[string]interface{}{
				models.MetaSource:              page.Source,
				models.MetaPageNumber:          pageNumber,
				models.MetaChunkIndex:          i,
				models.MetaChunkOverlapPercent: overlap,
			}
			if page.Title != "" {
				metadata[models.MetaTitle] = page.Title
			}
			docs = append(docs, models.Document{
				ID:       ChunkID(page.Source, pageNumber, i, chunk),
				Content:  chunk,
				Metadata: metadata,
			})
		}
	}

	return docs, nil
}

// ChunkID is stable across runs so re-ingesting a file overwrites its chunks.
func ChunkID(source string, page, index int, content string) string {
	name := fmt.Sprintf("%s\x00%d\x00%d\x00%s", source, page, index, content)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

// Split cuts text into chunks of at most ChunkSize characters, preferring
// sentence boundaries and carrying ChunkOverlap characters between chunks.
func (p *Processor) Split(text string) []string {
	text = cleanText(text)
	if text == "" {
		return nil
	}

	size := p.config.ChunkSize
	var chunks []string
	var current []rune

	flush := func() {
		chunk := strings.TrimSpace(string(current))
		if len([]rune(chunk)) >= p.config.MinChunkLength {
			chunks = append(chunks, chunk)
		}
	}

	for _, sentence := range p.sentences(text) {
		if len(current) > 0 && len(current)+1+len(sentence) > size {
			flush()
			current = p.overlapTail(current, size-1-len(sentence))
		}
		if len(current) > 0 {
			current = append(current, ' ')
		}
		current = append(current, sentence...)
	}

	if len(current) > 0 {
		flush()
	}

	return chunks
}

// overlapTail returns up to ChunkOverlap trailing characters of chunk, no
// more than room, starting on a word boundary when one is available.
func (p *Processor) overlapTail(chunk []rune, room int) []rune {
	n := p.config.ChunkOverlap
	if room < n {
		n = room
	}
	if n <= 0 {
		return nil
	}
	if len(chunk) <= n {
		return append([]rune(nil), chunk...)
	}

	tail := chunk[len(chunk)-n:]
	if !unicode.IsSpace(chunk[len(chunk)-n-1]) {
		for i, r := range tail {
			if unicode.IsSpace(r) {
				tail = tail[i+1:]
				break
			}
		}
	}
	return append([]rune(nil), tail...)
}

// sentences splits text on terminal punctuation. Sentences longer than the
// chunk size are cut into chunk-sized pieces.
func (p *Processor) sentences(text string) [][]rune {
	var out [][]rune
	var current []rune

	add := func(s []rune) {
		s = []rune(strings.TrimSpace(string(s)))
		for len(s) > p.config.ChunkSize {
			cut := wordCut(s, p.config.ChunkSize)
			out = append(out, []rune(strings.TrimSpace(string(s[:cut]))))
			s = []rune(strings.TrimSpace(string(s[cut:])))
		}
		if len(s) > 0 {
			out = append(out, s)
		}
	}

	runes := []rune(text)
	for i, r := range runes {
		current = append(current, r)
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			add(current)
			current = nil
		}
	}
	if len(current) > 0 {
		add(current)
	}

	return out
}

// wordCut returns where to cut s so the piece holds at most size characters,
// on the last word boundary when there is one.
func wordCut(s []rune, size int) int {
	for i := size; i > 0; i-- {
		if unicode.IsSpace(s[i]) {
			return i
		}
	}
	return size
}

// cleanText collapses whitespace runs. Case and stopwords are kept.
func cleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
