package engine

// Chat roles. Backends without a system role fold RoleSystem messages into
// their own system instruction.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

func UserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

// ChatOptions bound a single completion. A nil Temperature and a zero
// MaxTokens leave the backend's defaults in place.
type ChatOptions struct {
	Temperature *float64
	MaxTokens   int
	Schema      *Schema
}

// Schema is the JSON schema subset both backends accept for structured
// replies: one flat object of scalar fields.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty is one scalar field. Minimum and Maximum apply to numbers,
// Enum to strings.
type SchemaProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// PullProgress is one progress report from a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Percent is the completed share of the download, or -1 when the total is
// unknown.
func (p PullProgress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Float returns a pointer to v, for ChatOptions.Temperature and schema
// bounds.
func Float(v float64) *float64 { return &v }
