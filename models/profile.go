package models

// ProfileRecord is the structured result of one successful profile scrape.
// It is produced once and never mutated afterwards.
//
// Fields that the extractor could not populate are present but empty, never
// omitted: "present but empty" means extraction was attempted and found
// nothing, which is distinct from the record being missing altogether.
type ProfileRecord struct {
	// SourceURL is the target page this record was extracted from.
	SourceURL string `json:"source_url"`

	// Region is the 2-3 letter region code near the profile anchor,
	// empty when the anchor or code was not found.
	Region string `json:"region"`

	// FamilyName is the line following the region code, empty when unset.
	FamilyName string `json:"family_name"`

	// Community maps activity labels to their values. Insertion order is
	// not significant.
	Community map[string]string `json:"community"`

	// Life is the verbatim (normalized) list from the life-activities
	// section, in page order.
	Life []string `json:"life"`

	// Characters lists the created characters in page order.
	Characters []CharacterEntry `json:"characters"`

	// ProxyLayer and ProxyEndpoint record which candidate succeeded.
	// ProxyEndpoint is empty for a direct connection.
	ProxyLayer    string `json:"proxy_layer"`
	ProxyEndpoint string `json:"proxy_endpoint"`
}

// CharacterEntry is one created character parsed from the profile.
type CharacterEntry struct {
	// Name is never empty; entries whose name could not be extracted are
	// dropped by the extractor.
	Name string `json:"name"`

	// Class and Level may be empty when the class/level line did not match
	// the expected pattern.
	Class string `json:"class"`
	Level string `json:"level"`

	// IsMain is set when the name line carried the main-character marker.
	IsMain bool `json:"is_main"`
}

// Outcome is the per-target result of a run: exactly one of Record or Error
// is set.
type Outcome struct {
	TargetURL string         `json:"target_url"`
	Record    *ProfileRecord `json:"record,omitempty"`
	Error     *ErrorDetail   `json:"error,omitempty"`
}

// Succeeded reports whether the target produced a record.
func (o Outcome) Succeeded() bool {
	return o.Record != nil
}
