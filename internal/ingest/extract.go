package ingest

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/homenest/nous/internal/model"
)

type phoneDraft struct {
	raw        string
	normalized string
	kind       string
	dnc        bool
}

type contactDraft struct {
	index  int
	name   string
	role   string
	phones []phoneDraft
	emails []string
}

// extractContacts reads the contact-bearing columns of a row. A contact
// exists when it has a name, a valid phone or a valid email. Invalid phones
// and emails are dropped. Repeats within a contact collapse into the first
// entry, which stays suppressed if any repeat is flagged DNC.
func extractContacts(row Row) []contactDraft {
	var out []contactDraft
	for n := 1; n <= maxContacts; n++ {
		c := contactDraft{
			index: n,
			name:  titleCase(row.Get(nameKey(n))),
			role:  row.Get(roleKey(n)),
		}

		seen := make(map[string]int)
		for m := 1; m <= maxPhones; m++ {
			key := phoneKey(n, m)
			raw := row.Get(key)
			norm, ok := NormalizePhone(raw)
			if !ok {
				continue
			}
			dnc := truthy(row.Get(key+"_dnc")) || hasDNCMarker(raw)
			kind := strings.ToLower(row.Get(key + "_type"))
			if i, dup := seen[norm]; dup {
				// A repeat keeps the first entry but never loses a DNC flag.
				c.phones[i].dnc = c.phones[i].dnc || dnc
				if c.phones[i].kind == "" {
					c.phones[i].kind = kind
				}
				continue
			}
			seen[norm] = len(c.phones)
			c.phones = append(c.phones, phoneDraft{
				raw:        raw,
				normalized: norm,
				kind:       kind,
				dnc:        dnc,
			})
		}

		seenEmail := make(map[string]bool)
		for m := 1; m <= maxEmails; m++ {
			addr, ok := NormalizeEmail(row.Get(emailKey(n, m)))
			if !ok || seenEmail[addr] {
				continue
			}
			seenEmail[addr] = true
			c.emails = append(c.emails, addr)
		}

		if c.name != "" || len(c.phones) > 0 || len(c.emails) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// AddressKey returns the de-duplication key of a row, or "" when the row
// has no street address.
func AddressKey(row Row) string {
	return NormalizeAddress(row.Get("address"), row.Get("city"), row.Get("state"), row.Get("zip"))
}

// BuildBundle converts one row into the property, contacts, phones, emails
// and lead it describes. Numeric columns that do not parse are left unset.
func BuildBundle(row Row, source string, now time.Time) (*model.LeadBundle, error) {
	key := AddressKey(row)
	if key == "" {
		return nil, eris.New("ingest: row has no address")
	}

	prop := model.Property{
		ID:                uuid.NewString(),
		AddressNormalized: key,
		Address:           strings.Join(strings.Fields(row.Get("address")), " "),
		City:              titleCase(row.Get("city")),
		State:             NormalizeState(row.Get("state")),
		Zip:               row.Get("zip"),
		Sqft:              parseInt(row.Get("sqft")),
		Beds:              parseFloat(row.Get("beds")),
		Baths:             parseFloat(row.Get("baths")),
		YearBuilt:         parseInt(row.Get("year_built")),
		LotSize:           parseFloat(row.Get("lot_size")),
		ListingID:         row.Get("listing_id"),
		ListDate:          row.Get("list_date"),
		DaysOnMarket:      parseInt(row.Get("days_on_market")),
		Status:            row.Get("status"),
		DistressCode:      row.Get("distress_code"),
		Source:            source,
		CreatedAt:         now,
	}
	if p, ok := ParsePrice(row.Get("price")); ok {
		prop.Price = &p
	}

	bundle := &model.LeadBundle{
		Property: prop,
		Lead: model.Lead{
			ID:         uuid.NewString(),
			PropertyID: prop.ID,
			Status:     model.LeadStatusNew,
			Source:     source,
			CreatedAt:  now,
		},
	}

	for _, d := range extractContacts(row) {
		priority := d.index
		cb := model.ContactBundle{
			Contact: model.Contact{
				ID:              uuid.NewString(),
				PropertyID:      prop.ID,
				Name:            d.name,
				Role:            d.role,
				IsDecisionMaker: d.index == 1,
				Priority:        &priority,
				CreatedAt:       now,
			},
		}
		for _, p := range d.phones {
			cb.Phones = append(cb.Phones, model.Phone{
				ID:         uuid.NewString(),
				ContactID:  cb.Contact.ID,
				Number:     p.raw,
				Normalized: p.normalized,
				Type:       p.kind,
				IsDNC:      p.dnc,
				CreatedAt:  now,
			})
		}
		for _, addr := range d.emails {
			cb.Emails = append(cb.Emails, model.Email{
				ID:        uuid.NewString(),
				ContactID: cb.Contact.ID,
				Address:   addr,
				CreatedAt: now,
			})
		}
		bundle.Contacts = append(bundle.Contacts, cb)
	}
	return bundle, nil
}
