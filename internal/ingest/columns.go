// Package ingest turns spreadsheet exports of property leads into typed
// lead bundles, previews them and writes them to the store.
package ingest

import (
	"fmt"
	"regexp"
	"strings"
)

// Row is one source record keyed by canonical column name.
type Row map[string]string

// Get returns the trimmed value for key, or "" when absent.
func (r Row) Get(key string) string {
	return strings.TrimSpace(r[key])
}

// Contact and channel limits for contact-bearing columns.
const (
	maxContacts = 3
	maxPhones   = 5
	maxEmails   = 5
)

// headerAliases maps snake-cased export headers to canonical keys.
var headerAliases = map[string]string{
	"address":          "address",
	"street":           "address",
	"street_address":   "address",
	"property_address": "address",
	"site_address":     "address",
	"address_1":        "address",
	"city":             "city",
	"property_city":    "city",
	"state":            "state",
	"property_state":   "state",
	"st":               "state",
	"zip":              "zip",
	"zip_code":         "zip",
	"zipcode":          "zip",
	"postal_code":      "zip",
	"property_zip":     "zip",
	"price":            "price",
	"list_price":       "price",
	"listing_price":    "price",
	"asking_price":     "price",
	"sqft":             "sqft",
	"sq_ft":            "sqft",
	"square_feet":      "sqft",
	"living_area":      "sqft",
	"building_sqft":    "sqft",
	"beds":             "beds",
	"bedrooms":         "beds",
	"bd":               "beds",
	"baths":            "baths",
	"bathrooms":        "baths",
	"ba":               "baths",
	"year_built":       "year_built",
	"yr_built":         "year_built",
	"lot_size":         "lot_size",
	"lot_sqft":         "lot_size",
	"lot_acres":        "lot_size",
	"mls":              "listing_id",
	"mls_number":       "listing_id",
	"mls_id":           "listing_id",
	"listing_id":       "listing_id",
	"list_date":        "list_date",
	"listing_date":     "list_date",
	"dom":              "days_on_market",
	"days_on_market":   "days_on_market",
	"cdom":             "days_on_market",
	"status":           "status",
	"listing_status":   "status",
	"distress":         "distress_code",
	"distress_code":    "distress_code",
	"owner":            "contact1_name",
	"owner_name":       "contact1_name",
	"name":             "contact1_name",
	"contact_name":     "contact1_name",
	"owner_role":       "contact1_role",
	"phone":            "contact1_phone1",
	"owner_phone":      "contact1_phone1",
	"phone_type":       "contact1_phone1_type",
	"phone_dnc":        "contact1_phone1_dnc",
	"dnc":              "contact1_phone1_dnc",
	"email":            "contact1_email1",
	"email_address":    "contact1_email1",
	"owner_email":      "contact1_email1",
}

var (
	nonAlnum       = regexp.MustCompile(`[^a-z0-9]+`)
	contactField   = regexp.MustCompile(`^(?:owner|contact)_?([1-9])_(name|role)$`)
	contactChannel = regexp.MustCompile(`^(?:owner|contact)_?([1-9])_(phone|email)(?:_?([1-9]))?(?:_(type|dnc))?$`)
	bareChannel    = regexp.MustCompile(`^(phone|email)_?([1-9])(?:_(type|dnc))?$`)
)

// CanonicalHeader maps an export header to its canonical key. Unknown
// headers are returned lower-snake-cased.
func CanonicalHeader(h string) string {
	key := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(h)), "_"), "_")
	if alias, ok := headerAliases[key]; ok {
		return alias
	}
	if m := contactField.FindStringSubmatch(key); m != nil {
		return fmt.Sprintf("contact%s_%s", m[1], m[2])
	}
	if m := contactChannel.FindStringSubmatch(key); m != nil {
		n := m[3]
		if n == "" {
			n = "1"
		}
		return channelKey(m[1], m[2], n, m[4])
	}
	if m := bareChannel.FindStringSubmatch(key); m != nil {
		return channelKey("1", m[1], m[2], m[3])
	}
	return key
}

func channelKey(contact, kind, n, suffix string) string {
	key := fmt.Sprintf("contact%s_%s%s", contact, kind, n)
	if suffix != "" {
		key += "_" + suffix
	}
	return key
}

func nameKey(contact int) string { return fmt.Sprintf("contact%d_name", contact) }

func roleKey(contact int) string { return fmt.Sprintf("contact%d_role", contact) }

func phoneKey(contact, n int) string { return fmt.Sprintf("contact%d_phone%d", contact, n) }

func emailKey(contact, n int) string { return fmt.Sprintf("contact%d_email%d", contact, n) }
