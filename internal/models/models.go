package models

import "time"

type ModelID string

const (
	ModelFlux     ModelID = "flux"
	ModelTurbo    ModelID = "turbo"
	ModelGPTImage ModelID = "gptimage"
)

// ImageModel describes one generation backend model and its daily ceiling.
// A DailyLimit of zero means unlimited.
type ImageModel struct {
	ID         ModelID
	Name       string
	Emoji      string
	DailyLimit int
	Width      int
	Height     int
}

// Catalog is the ordered set of selectable models.
type Catalog struct {
	models []ImageModel
	byID   map[ModelID]ImageModel
}

func NewCatalog(models ...ImageModel) *Catalog {
	byID := make(map[ModelID]ImageModel, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	return &Catalog{models: models, byID: byID}
}

func (c *Catalog) All() []ImageModel {
	out := make([]ImageModel, len(c.models))
	copy(out, c.models)
	return out
}

func (c *Catalog) Get(id ModelID) (ImageModel, bool) {
	m, ok := c.byID[id]
	return m, ok
}

func (c *Catalog) Default() ImageModel {
	return c.models[0]
}

type User struct {
	ID                   int64
	TelegramID           int64
	Username             string
	FullName             string
	ClarificationEnabled bool
	SelectedModel        ModelID
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Generation is an immutable audit row for one completed generation.
type Generation struct {
	ID             int64
	RequestID      string
	UserID         int64
	Model          ModelID
	OriginalPrompt string
	FinalPrompt    string
	CreatedAt      time.Time
}

// APIKey is one upstream credential. UsageCount only ever grows and an
// inactive key is never reactivated automatically.
type APIKey struct {
	ID         int64
	Secret     string
	UsageCount int
	UsageLimit int
	IsActive   bool
	CreatedAt  time.Time
}

// Usable reports whether the key may still carry upstream calls.
func (k APIKey) Usable() bool {
	return k.IsActive && k.UsageCount < k.UsageLimit
}
