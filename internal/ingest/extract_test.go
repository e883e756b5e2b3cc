package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractContacts_RepeatedNumberKeepsDNC(t *testing.T) {
	tests := []struct {
		name string
		row  Row
	}{
		{"later repeat flagged", Row{
			"contact1_name":       "Maria Lopez",
			"contact1_phone1":     "512-555-0101",
			"contact1_phone2":     "(512) 555-0101",
			"contact1_phone2_dnc": "yes",
		}},
		{"first flagged", Row{
			"contact1_name":       "Maria Lopez",
			"contact1_phone1":     "512-555-0101",
			"contact1_phone1_dnc": "y",
			"contact1_phone2":     "5125550101",
		}},
		{"marker on repeat", Row{
			"contact1_name":   "Maria Lopez",
			"contact1_phone1": "512-555-0101",
			"contact1_phone2": "512-555-0101 DNC",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contacts := extractContacts(tt.row)
			require.Len(t, contacts, 1)
			require.Len(t, contacts[0].phones, 1)
			assert.Equal(t, "+15125550101", contacts[0].phones[0].normalized)
			assert.True(t, contacts[0].phones[0].dnc)
		})
	}
}

func TestExtractContacts_RepeatedNumberFillsType(t *testing.T) {
	contacts := extractContacts(Row{
		"contact1_phone1":      "512-555-0101",
		"contact1_phone2":      "512-555-0101",
		"contact1_phone2_type": "Mobile",
	})
	require.Len(t, contacts, 1)
	require.Len(t, contacts[0].phones, 1)
	assert.Equal(t, "mobile", contacts[0].phones[0].kind)
}

func TestBuildBundle_RepeatedDNCNumberIsNotCallable(t *testing.T) {
	row := Row{
		"address":             "12 Elm St",
		"city":                "Austin",
		"state":               "TX",
		"zip":                 "78701",
		"contact1_name":       "Maria Lopez",
		"contact1_phone1":     "512-555-0101",
		"contact1_phone2":     "512-555-0101",
		"contact1_phone2_dnc": "yes",
	}
	b, err := BuildBundle(row, "csv", time.Now())
	require.NoError(t, err)
	require.Len(t, b.Contacts, 1)
	require.Len(t, b.Contacts[0].Phones, 1)
	assert.True(t, b.Contacts[0].Phones[0].IsDNC)

	stats := Preview([]Row{row})
	assert.Zero(t, stats.CallablePhones)
	assert.Equal(t, 1, stats.DNCPhones)
}
