package ingest

import "github.com/homenest/nous/internal/model"

// Preview summarizes rows without touching storage. Rows are counted even
// when they would fail to import; contacts, phones and emails are counted
// the way BuildBundle would derive them.
func Preview(rows []Row) model.PreviewStats {
	stats := model.PreviewStats{
		TotalRows: len(rows),
		Cities:    make(map[string]int),
	}

	havePrice := false
	for _, row := range rows {
		for _, c := range extractContacts(row) {
			stats.TotalContacts++
			for _, p := range c.phones {
				if p.dnc {
					stats.DNCPhones++
				} else {
					stats.CallablePhones++
				}
			}
			stats.Emails += len(c.emails)
		}

		if city := titleCase(row.Get("city")); city != "" {
			stats.Cities[city]++
		}

		price, ok := ParsePrice(row.Get("price"))
		if !ok {
			continue
		}
		if !havePrice || price < stats.PriceRange.Min {
			stats.PriceRange.Min = price
		}
		if !havePrice || price > stats.PriceRange.Max {
			stats.PriceRange.Max = price
		}
		havePrice = true
	}
	return stats
}
