package domain

// AISettings holds the runtime-tunable inference configuration, stored as a
// single catalog document and patched field-by-field.
type AISettings struct {
	ModelRepo       string  `json:"model_repo"`
	GeneralThresh   float64 `json:"general_thresh"`
	CharacterThresh float64 `json:"character_thresh"`
	GeneralMCut     bool    `json:"general_mcut"`
	CharacterMCut   bool    `json:"character_mcut"`
	MaxGeneral      int     `json:"max_general"`
	MaxCharacter    int     `json:"max_character"`
	IdleUnloadS     int     `json:"idle_unload_s"`
	CacheDir        string  `json:"cache_dir"`
}

// DefaultAISettings returns the settings used until a caller patches them.
func DefaultAISettings() AISettings {
	return AISettings{
		ModelRepo:       "SmilingWolf/wd-vit-tagger-v3",
		GeneralThresh:   0.35,
		CharacterThresh: 0.85,
		GeneralMCut:     false,
		CharacterMCut:   false,
		MaxGeneral:      80,
		MaxCharacter:    40,
		IdleUnloadS:     300,
		CacheDir:        ".cache/tagify/models",
	}
}
