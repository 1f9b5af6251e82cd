package api

// RecordSet is the output document: entity id -> record. encoding/json
// writes map keys in sorted order, so the serialised form is stable.
type RecordSet map[string]*EntityRecord

// EntityRecord is the aggregate for one entity.
type EntityRecord struct {
	// ID is the hierarchical string id, e.g. "items.wood.pine".
	ID string `json:"id"`
	// GUID is the numeric id used in binary cross-references, if known.
	GUID *uint64 `json:"guid,omitempty"`
	// Name is the English display name.
	Name string `json:"name,omitempty"`
	// Description is the English description.
	Description string `json:"description,omitempty"`
	// Descriptions holds the description per locale key.
	Descriptions map[string]string `json:"descriptions,omitempty"`

	RecipesAsInput  []RecipeLink `json:"recipes_as_input"`
	RecipesAsOutput []RecipeLink `json:"recipes_as_output"`
	Runes           []RuneLink   `json:"runes"`
	DefaultRunes    []RuneLink   `json:"default_runes"`
	SpawnHints      []SpawnHint  `json:"spawn_hints"`

	// Sources are the containers the entity was declared in.
	Sources []string `json:"sources,omitempty"`
}

// RecipeLink joins an input entity to an output entity. Nil optional
// fields mean the value could not be decoded.
type RecipeLink struct {
	Kind           string   `json:"kind"`
	Input          string   `json:"input"`
	Output         string   `json:"output"`
	InputQuantity  *uint64  `json:"input_quantity"`
	OutputQuantity *uint64  `json:"output_quantity"`
	Minutes        *float64 `json:"minutes"`
}

// Rune link kinds.
const (
	RuneKindRune    = "rune"
	RuneKindUtility = "utility"
)

// RuneLink references a rune entity.
type RuneLink struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// SpawnHint is low-confidence evidence of where an entity is placed.
type SpawnHint struct {
	Source     string   `json:"source"`
	Start      uint64   `json:"start"`
	End        uint64   `json:"end"`
	Members    int      `json:"members"`
	Confidence string   `json:"confidence"`
	Separation string   `json:"separation"`
	Kind       string   `json:"kind"`
	Context    []string `json:"context,omitempty"`
}
