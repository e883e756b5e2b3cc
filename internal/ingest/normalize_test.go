package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"(512) 555-0101", "+15125550101", true},
		{"1-512-555-0101", "+15125550101", true},
		{"+1 512.555.0101", "+15125550101", true},
		{"512-555-0101 ext. 22", "+15125550101", true},
		{"512-555-0101 DNC", "+15125550101", true},
		{"+44 20 7946 0958", "+442079460958", true},
		{"555-0101", "", false},
		{"", "", false},
		{"n/a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := NormalizePhone(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	a := NormalizeAddress("123 Main Street", "Austin", "TX", "78701-1234")
	assert.Equal(t, "123 main st|78701", a)

	assert.Equal(t, a, NormalizeAddress("  123  MAIN st. ", "austin", "Texas", "78701"))
	assert.Equal(t, "500 n lamar blvd|austin|tx", NormalizeAddress("500 North Lamar Boulevard", "Austin", "Texas", ""))
	assert.Equal(t, "", NormalizeAddress("  ", "Austin", "TX", "78701"))
}

func TestNormalizeAddress_UnitsStayDistinct(t *testing.T) {
	apt4 := NormalizeAddress("10 Oak Ave Apt 4", "", "", "78702")
	assert.Equal(t, "10 oak ave unit 4|78702", apt4)
	assert.Equal(t, apt4, NormalizeAddress("10 Oak Avenue #4", "", "", "78702"))
	assert.Equal(t, apt4, NormalizeAddress("10 Oak Ave Suite 4", "", "", "78702"))
	assert.Equal(t, apt4, NormalizeAddress("10 Oak Ave, Apt. #4", "", "", "78702"))
	assert.NotEqual(t, apt4, NormalizeAddress("10 Oak Ave Apt 5", "", "", "78702"))
	assert.NotEqual(t, apt4, NormalizeAddress("10 Oak Ave", "", "", "78702"))
}

func TestNormalizeState(t *testing.T) {
	assert.Equal(t, "TX", NormalizeState("tx"))
	assert.Equal(t, "TX", NormalizeState("Texas"))
	assert.Equal(t, "NY", NormalizeState(" new york "))
	assert.Equal(t, "Ontario", NormalizeState("Ontario"))
}

func TestNormalizeEmail(t *testing.T) {
	got, ok := NormalizeEmail(" Jane.Doe@Example.COM ")
	assert.True(t, ok)
	assert.Equal(t, "jane.doe@example.com", got)

	got, ok = NormalizeEmail("mailto:a@b.co")
	assert.True(t, ok)
	assert.Equal(t, "a@b.co", got)

	for _, bad := range []string{"", "nobody", "@example.com", "a@", "a@localhost", "a b@example.com", "a@example."} {
		_, ok := NormalizeEmail(bad)
		assert.False(t, ok, bad)
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"$325,000", 325000, true},
		{"325000.50", 325000.50, true},
		{"325k", 325000, true},
		{"1.2M", 1200000, true},
		{"", 0, false},
		{"call for price", 0, false},
		{"-5", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParsePrice(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestTruthy(t *testing.T) {
	for _, v := range []string{"Y", "yes", "TRUE", "1", "dnc"} {
		assert.True(t, truthy(v), v)
	}
	for _, v := range []string{"", "n", "no", "0", "false"} {
		assert.False(t, truthy(v), v)
	}
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "San Antonio", titleCase("  SAN   antonio "))
	assert.Equal(t, "", titleCase(" "))
}
