package model

// ImportMode selects how materialization treats existing lead data.
type ImportMode string

const (
	ImportModeAppend  ImportMode = "append"
	ImportModeReplace ImportMode = "replace"
)

// ReplaceConfirmation is the literal an operator must supply for replace mode.
const ReplaceConfirmation = "DELETE"

// ParseImportMode validates an import mode name. Empty means append.
func ParseImportMode(s string) (ImportMode, error) {
	switch ImportMode(s) {
	case "", ImportModeAppend:
		return ImportModeAppend, nil
	case ImportModeReplace:
		return ImportModeReplace, nil
	default:
		return "", Validationf("unknown import mode %q", s)
	}
}

// PriceRange is the min/max of valid numeric prices.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PreviewStats summarizes parsed rows without touching storage.
type PreviewStats struct {
	TotalRows      int            `json:"total_rows"`
	TotalContacts  int            `json:"total_contacts"`
	CallablePhones int            `json:"callable_phones"`
	DNCPhones      int            `json:"dnc_phones"`
	Emails         int            `json:"emails"`
	Cities         map[string]int `json:"cities"`
	PriceRange     PriceRange     `json:"price_range"`
}

// TotalPhones is the number of phones derivable from the rows.
func (p PreviewStats) TotalPhones() int {
	return p.CallablePhones + p.DNCPhones
}

// ImportProgress is reported after each processed row.
type ImportProgress struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Properties int `json:"properties"`
	Contacts   int `json:"contacts"`
	Phones     int `json:"phones"`
	Emails     int `json:"emails"`
}

// ImportResult reports exact counts of a materialization run.
type ImportResult struct {
	Mode               ImportMode `json:"mode"`
	PropertiesImported int        `json:"properties_imported"`
	ContactsCreated    int        `json:"contacts_created"`
	PhonesCreated      int        `json:"phones_created"`
	CallablePhones     int        `json:"callable_phones"`
	DNCPhones          int        `json:"dnc_phones"`
	EmailsCreated      int        `json:"emails_created"`
	DuplicatesSkipped  int        `json:"duplicates_skipped"`
	PropertiesDeleted  int        `json:"properties_deleted,omitempty"`
	Errors             int        `json:"errors"`
	ErrorMessages      []string   `json:"error_messages,omitempty"`
}
