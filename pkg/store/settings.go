package store

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// CoreSettings is the L0 layer: static per-deployment overrides loaded once
// per session and read-only during a request. They always survive context
// truncation.
type CoreSettings struct {
	CharacterCard     string   `json:"character_card,omitempty"`
	Worldbook         string   `json:"worldbook,omitempty"`
	WritingStyle      string   `json:"writing_style,omitempty"`
	AbsoluteRules     []string `json:"absolute_rules,omitempty"`
	CodingConventions string   `json:"coding_conventions,omitempty"`
}

// Empty reports whether no setting is populated.
func (s *CoreSettings) Empty() bool {
	return s.CharacterCard == "" && s.Worldbook == "" && s.WritingStyle == "" &&
		len(s.AbsoluteRules) == 0 && s.CodingConventions == ""
}

// LoadCoreSettings reads L0 settings from path. A missing file yields empty
// settings, not an error.
func LoadCoreSettings(path string) (*CoreSettings, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &CoreSettings{}, nil
	}
	if err != nil {
		return nil, err
	}
	var s CoreSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveCoreSettings writes L0 settings atomically.
func SaveCoreSettings(path string, s *CoreSettings) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
