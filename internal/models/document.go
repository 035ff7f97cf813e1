package models

import (
	"encoding/json"
	"strconv"
)

// Metadata keys every ingested chunk carries.
const (
	MetaSource              = "source"
	MetaPageNumber          = "page_number"
	MetaChunkIndex          = "chunk_index"
	MetaChunkOverlapPercent = "chunk_overlap_percent"
	MetaTitle               = "title"
)

// Document is a retrieved or ingested chunk of text.
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"page_content"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Match pairs a Document with its normalized relevance score in [0, 2].
type Match struct {
	Document `json:"document"`
	Score    float64 `json:"score"`
}

// Page is a unit of loaded source text before chunking.
type Page struct {
	Source     string
	Title      string
	PageNumber int
	Text       string
}

// Source returns the source path or URL, if present.
func (d Document) Source() (string, bool) {
	v, ok := d.Metadata[MetaSource]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func (d Document) PageNumber() (int, bool) {
	return d.intField(MetaPageNumber)
}

func (d Document) ChunkIndex() (int, bool) {
	return d.intField(MetaChunkIndex)
}

func (d Document) ChunkOverlapPercent() (int, bool) {
	return d.intField(MetaChunkOverlapPercent)
}

// intField reads a numeric metadata value regardless of how the backend decoded it.
func (d Document) intField(key string) (int, bool) {
	v, ok := d.Metadata[key]
	if !ok || v == nil {
		return 0, false
	}

	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}
