package model

import "time"

// Property is a single imported real-estate record. AddressNormalized is the
// de-duplication key within a Source.
type Property struct {
	ID                string    `json:"id"`
	AddressNormalized string    `json:"address_normalized"`
	Address           string    `json:"address"`
	City              string    `json:"city,omitempty"`
	State             string    `json:"state,omitempty"`
	Zip               string    `json:"zip,omitempty"`
	Price             *float64  `json:"price,omitempty"`
	Sqft              *int      `json:"sqft,omitempty"`
	Beds              *float64  `json:"beds,omitempty"`
	Baths             *float64  `json:"baths,omitempty"`
	YearBuilt         *int      `json:"year_built,omitempty"`
	LotSize           *float64  `json:"lot_size,omitempty"`
	ListingID         string    `json:"listing_id,omitempty"`
	ListDate          string    `json:"list_date,omitempty"`
	DaysOnMarket      *int      `json:"days_on_market,omitempty"`
	Status            string    `json:"status,omitempty"`
	DistressCode      string    `json:"distress_code,omitempty"`
	Source            string    `json:"source"`
	CreatedAt         time.Time `json:"created_at"`
}

// Contact belongs to exactly one Property.
type Contact struct {
	ID              string    `json:"id"`
	PropertyID      string    `json:"property_id"`
	Name            string    `json:"name"`
	Role            string    `json:"role,omitempty"`
	IsDecisionMaker bool      `json:"is_decision_maker"`
	Priority        *int      `json:"priority,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Phone belongs to exactly one Contact. A phone with IsDNC set is never
// placed in a call queue.
type Phone struct {
	ID           string     `json:"id"`
	ContactID    string     `json:"contact_id"`
	Number       string     `json:"number"`
	Normalized   string     `json:"normalized"`
	Type         string     `json:"type,omitempty"`
	IsDNC        bool       `json:"is_dnc"`
	IsVerified   bool       `json:"is_verified"`
	CallAttempts int        `json:"call_attempts"`
	LastCalledAt *time.Time `json:"last_called_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Email belongs to exactly one Contact.
type Email struct {
	ID         string    `json:"id"`
	ContactID  string    `json:"contact_id"`
	Address    string    `json:"address"`
	IsVerified bool      `json:"is_verified"`
	CreatedAt  time.Time `json:"created_at"`
}

// LeadStatus is the CRM status of a lead.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusContacted LeadStatus = "contacted"
)

// Lead is the CRM record an operator selects when building outreach queues.
type Lead struct {
	ID         string     `json:"id"`
	PropertyID string     `json:"property_id"`
	Status     LeadStatus `json:"status"`
	Source     string     `json:"source"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ContactBundle groups a contact with the phones and emails parsed for it.
type ContactBundle struct {
	Contact Contact `json:"contact"`
	Phones  []Phone `json:"phones"`
	Emails  []Email `json:"emails"`
}

// LeadBundle is everything one import row produces. It is persisted as a unit.
type LeadBundle struct {
	Property Property        `json:"property"`
	Contacts []ContactBundle `json:"contacts"`
	Lead     Lead            `json:"lead"`
}

// Counts returns the number of contacts, phones (callable and suppressed)
// and emails in the bundle.
func (b *LeadBundle) Counts() (contacts, callable, dnc, emails int) {
	for _, cb := range b.Contacts {
		contacts++
		for _, p := range cb.Phones {
			if p.IsDNC {
				dnc++
			} else {
				callable++
			}
		}
		emails += len(cb.Emails)
	}
	return contacts, callable, dnc, emails
}
