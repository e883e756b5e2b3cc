package compose

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/homenest/nous/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Variables builds the dynamic variables for an item. Absent values are
// omitted.
func Variables(item *model.QueueItem) map[string]string {
	p := message.NewPrinter(language.English)
	vars := map[string]string{
		"owner_name":     item.ContactName,
		"address":        item.Address,
		"city":           item.City,
		"state":          item.State,
		"zip":            item.Zip,
		"distress_code":  item.DistressCode,
		"listing_status": item.ListingStatus,
		"phone_number":   item.PhoneNumber,
		"email":          item.EmailAddress,
	}
	if f := strings.Fields(item.ContactName); len(f) > 0 {
		vars["first_name"] = f[0]
	}
	if item.Price != nil {
		vars["price"] = p.Sprintf("$%.0f", *item.Price)
	}
	if item.DaysOnMarket != nil {
		vars["days_on_market"] = strconv.Itoa(*item.DaysOnMarket)
	}
	if item.Beds != nil {
		vars["beds"] = strconv.FormatFloat(*item.Beds, 'f', -1, 64)
	}
	if item.Baths != nil {
		vars["baths"] = strconv.FormatFloat(*item.Baths, 'f', -1, 64)
	}
	if item.Sqft != nil {
		vars["sqft"] = p.Sprintf("%d", *item.Sqft)
	}
	for k, v := range vars {
		if v == "" {
			delete(vars, k)
		}
	}
	return vars
}

// Render substitutes {{name}} placeholders. Unknown names render empty.
func Render(tpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		return vars[placeholder.FindStringSubmatch(m)[1]]
	})
}
