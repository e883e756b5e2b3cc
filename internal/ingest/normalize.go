package ingest

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	extensionRe = regexp.MustCompile(`(?i)\s*(?:ext\.?|x|#)\s*\d+\s*$`)
	nonDigit    = regexp.MustCompile(`\D`)
	addrPunct   = regexp.MustCompile(`[^a-z0-9# ]+`)
	spaces      = regexp.MustCompile(`\s+`)
	unitHash    = regexp.MustCompile(`#\s*`)
)

// NormalizePhone reduces a raw phone value to E.164. Values with fewer
// than 10 digits are rejected.
func NormalizePhone(raw string) (string, bool) {
	digits := nonDigit.ReplaceAllString(extensionRe.ReplaceAllString(raw, ""), "")
	switch {
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, true
	case len(digits) == 10:
		return "+1" + digits, true
	case len(digits) >= 11 && len(digits) <= 15:
		return "+" + digits, true
	default:
		return "", false
	}
}

var streetSuffixes = map[string]string{
	"street": "st", "avenue": "ave", "av": "ave", "boulevard": "blvd",
	"drive": "dr", "road": "rd", "lane": "ln", "court": "ct",
	"circle": "cir", "place": "pl", "terrace": "ter", "parkway": "pkwy",
	"highway": "hwy", "trail": "trl", "way": "way", "square": "sq",
	"crossing": "xing", "point": "pt", "cove": "cv", "loop": "loop",
}

var directionals = map[string]string{
	"north": "n", "south": "s", "east": "e", "west": "w",
	"northeast": "ne", "northwest": "nw", "southeast": "se", "southwest": "sw",
}

var unitWords = map[string]bool{
	"apt": true, "apartment": true, "suite": true, "ste": true,
	"unit": true, "#": true, "bldg": true, "building": true,
}

// NormalizeAddress builds the de-duplication key for a property. Unit
// designators fold to "unit" and remain part of the key, so two units at
// one street address are distinct.
func NormalizeAddress(street, city, state, zip string) string {
	s := strings.ToLower(strings.TrimSpace(street))
	if s == "" {
		return ""
	}
	s = unitHash.ReplaceAllString(s, " # ")
	s = addrPunct.ReplaceAllString(s, " ")

	words := strings.Fields(spaces.ReplaceAllString(s, " "))
	out := make([]string, 0, len(words))
	for i, w := range words {
		switch {
		case unitWords[w]:
			if len(out) > 0 && out[len(out)-1] == "unit" {
				continue
			}
			out = append(out, "unit")
		case directionals[w] != "":
			out = append(out, directionals[w])
		case i > 0 && streetSuffixes[w] != "":
			out = append(out, streetSuffixes[w])
		default:
			out = append(out, w)
		}
	}
	key := strings.Join(out, " ")

	if z := zip5(zip); z != "" {
		return key + "|" + z
	}
	return key + "|" + strings.ToLower(strings.TrimSpace(city)) + "|" + strings.ToLower(NormalizeState(state))
}

func zip5(zip string) string {
	digits := nonDigit.ReplaceAllString(zip, "")
	if len(digits) < 5 {
		return ""
	}
	return digits[:5]
}

// stateAbbr maps lowercase full state names to postal abbreviations.
var stateAbbr = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT", "delaware": "DE",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID",
	"illinois": "IL", "indiana": "IN", "iowa": "IA", "kansas": "KS",
	"kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN", "mississippi": "MS",
	"missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM", "new york": "NY",
	"north carolina": "NC", "north dakota": "ND", "ohio": "OH", "oklahoma": "OK",
	"oregon": "OR", "pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC",
	"south dakota": "SD", "tennessee": "TN", "texas": "TX", "utah": "UT",
	"vermont": "VT", "virginia": "VA", "washington": "WA", "west virginia": "WV",
	"wisconsin": "WI", "wyoming": "WY", "district of columbia": "DC",
}

// NormalizeState returns a two-letter state code when one can be derived.
// Unknown values are returned trimmed.
func NormalizeState(state string) string {
	s := strings.TrimSpace(state)
	if len(s) == 2 {
		return strings.ToUpper(s)
	}
	if abbr, ok := stateAbbr[strings.ToLower(s)]; ok {
		return abbr
	}
	return s
}

// titleCase normalizes names and cities. cases.Caser is stateful, so one is
// made per call.
func titleCase(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	return cases.Title(language.English).String(s)
}

// NormalizeEmail lower-cases an address and rejects values that are not
// shaped like local@domain.tld.
func NormalizeEmail(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "mailto:")
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 || strings.ContainsAny(s, " ,;<>") {
		return "", false
	}
	domain := s[at+1:]
	dot := strings.LastIndex(domain, ".")
	if dot <= 0 || dot == len(domain)-1 {
		return "", false
	}
	return s, true
}

// ParsePrice parses values like "$325,000", "325k" or "1.2M".
func ParsePrice(raw string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return 0, false
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1e3, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1e6, strings.TrimSuffix(s, "m")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v * mult, true
}

func parseFloat(raw string) *float64 {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseInt(raw string) *int {
	f := parseFloat(raw)
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}

// truthy reports whether a flag column is set.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "1", "dnc", "x":
		return true
	default:
		return false
	}
}

// hasDNCMarker reports whether a raw phone value carries a do-not-call tag.
func hasDNCMarker(raw string) bool {
	return strings.Contains(strings.ToUpper(raw), "DNC")
}
