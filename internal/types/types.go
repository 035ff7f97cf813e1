package types

// Message is the envelope exchanged over the websocket.
type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

// Message types.
const (
	MessageQuery   = "query"
	MessageSession = "session"
	MessageUser    = "user"
	MessageStatus  = "status"
	MessageMatches = "matches"
	MessageWarning = "warning"
	MessageStream  = "stream"
	MessageSources = "sources"
	MessageDone    = "done"
	MessageError   = "error"
)

// SearchConfig carries the page controls submitted with a query. Empty
// fields fall back to the server defaults.
type SearchConfig struct {
	Backend        string   `json:"backend"`
	EmbeddingModel string   `json:"embedding_model"`
	LLMModel       string   `json:"llm_model"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`
	MaxDocuments   int      `json:"max_documents"`
	Prompt         string   `json:"prompt"`
}

// QueryPayload is the data of an inbound query message.
type QueryPayload struct {
	Config SearchConfig `json:"config"`
}

// SourcePanel is one rendered source document.
type SourcePanel struct {
	Index       int     `json:"index"`
	Heading     string  `json:"heading"`
	Score       float64 `json:"score"`
	Preview     string  `json:"preview"`
	Truncated   bool    `json:"truncated"`
	FileName    string  `json:"file_name"`
	DownloadURL string  `json:"download_url"`
}

// SourcesPayload is the data of a sources message.
type SourcesPayload struct {
	Label  string        `json:"label"`
	Panels []SourcePanel `json:"panels"`
}

// SessionState is a snapshot of a live session.
type SessionState struct {
	ID        string `json:"id"`
	Query     string `json:"query"`
	Phase     string `json:"phase"`
	Notice    string `json:"notice,omitempty"`
	Answer    string `json:"answer"`
	Documents int    `json:"documents"`
}

// Defaults is served to the page to build its controls.
type Defaults struct {
	Backends        []string   `json:"backends"`
	DefaultBackend  string     `json:"default_backend"`
	OpenSearchURL   string     `json:"opensearch_url"`
	EmbeddingModels []string   `json:"embedding_models"`
	LLMModels       []string   `json:"llm_models"`
	Prompt          string     `json:"prompt"`
	ScoreThreshold  float64    `json:"score_threshold"`
	MaxDocuments    int        `json:"max_documents"`
	ThresholdRange  [2]float64 `json:"threshold_range"`
	DocumentsRange  [2]int     `json:"documents_range"`
}
