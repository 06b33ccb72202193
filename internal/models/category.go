package models

// Categories with special display handling. Identity-sensitive categories
// are always rendered last, regardless of their active state.
const (
	CategoryPersonality = "Personality"
	CategoryTraits      = "Traits"
	CategoryAvatar      = "Avatar"
)

// CategoryRequest is one entry in a caller-supplied request manifest.
type CategoryRequest struct {
	Type         string `json:"type"`
	Descriptions string `json:"descriptions,omitempty"`
	Reward       string `json:"reward,omitempty"`
}

// RequestManifest maps category keys to the requesting application's
// metadata for each category (intent description, incentive).
type RequestManifest map[string]CategoryRequest

// RequestCategory is one requestable data type, resolved for a single
// consent session. Immutable for the session lifetime except for Active,
// which the controller may flip to false when account data disappears.
type RequestCategory struct {
	Key         string `json:"key"`
	Active      bool   `json:"active"`
	Description string `json:"description,omitempty"`
	Reward      string `json:"reward,omitempty"`
}

// CategoryView is the per-category state a surface renders: the resolved
// category plus whether the user currently has it selected.
type CategoryView struct {
	Key         string `json:"key"`
	Active      bool   `json:"active"`
	Description string `json:"description,omitempty"`
	Reward      string `json:"reward,omitempty"`
	Selected    bool   `json:"selected"`
}
