package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cararth/listing-ingestion-service/internal/models"
)

func TestNormalize_RupeePriceWithoutImages(t *testing.T) {
	raw := models.RawListing{
		Extracted: map[string]any{
			"title":   "Maruti Swift VXI",
			"price":   "₹4,50,000",
			"contact": "+91 98480 22338",
			"images":  []any{},
		},
	}

	n, confidence := Normalize(raw)

	require.NotNil(t, n.Price)
	assert.Equal(t, int64(450000), *n.Price)
	assert.Empty(t, n.Images)
	assert.InDelta(t, 0.6, confidence, 1e-9)
}

func TestNormalize_FullListing(t *testing.T) {
	raw := models.RawListing{
		Extracted: map[string]any{
			"name":     "Hyundai Creta SX",
			"brand":    "Hyundai",
			"model":    "Creta",
			"year":     "Reg. 2019",
			"kms":      "42,000 km",
			"location": "Hyderabad",
			"images":   []any{"https://img/1.jpg", "", 7, "https://img/2.jpg"},
			"price":    float64(1150000),
		},
		Attributes: map[string]any{"contact": "98480"},
	}

	n, confidence := Normalize(raw)

	assert.Equal(t, "Hyundai Creta SX", n.Title)
	assert.Equal(t, "Hyundai", n.Make)
	assert.Equal(t, 2019, n.Year)
	assert.Equal(t, 42000, n.Mileage)
	assert.Equal(t, "Hyderabad", n.City)
	assert.Equal(t, []string{"https://img/1.jpg", "https://img/2.jpg"}, n.Images)
	assert.Equal(t, "98480", n.Contact)
	assert.Equal(t, int64(1150000), n.PriceValue())
	assert.InDelta(t, 0.9, confidence, 1e-9)
}

func TestNormalize_PriceWithoutDigits(t *testing.T) {
	raw := models.RawListing{Extracted: map[string]any{"price": "Call for price"}}

	n, confidence := Normalize(raw)

	assert.Nil(t, n.Price)
	assert.NotNil(t, n.Images)
	assert.InDelta(t, 0.0, confidence, 1e-9)
}

func TestNormalize_PriceOverflow(t *testing.T) {
	raw := models.RawListing{Extracted: map[string]any{"price": "99999999999999999999999"}}

	n, _ := Normalize(raw)
	assert.Nil(t, n.Price)
}

func TestNormalize_CandidatePriority(t *testing.T) {
	raw := models.RawListing{
		Extracted:  map[string]any{"title": "  ", "price_inr": "5,00,000"},
		Attributes: map[string]any{"title": "From attributes", "price": "1"},
	}

	n, _ := Normalize(raw)

	assert.Equal(t, "From attributes", n.Title)
	assert.Equal(t, int64(500000), n.PriceValue())
}

func TestNormalize_ConfidenceMonotonic(t *testing.T) {
	base := map[string]any{"price": "450000", "images": []any{"https://img/1.jpg"}, "contact": "123"}
	_, full := Normalize(models.RawListing{Extracted: base})

	for _, drop := range []string{"price", "images", "contact"} {
		reduced := map[string]any{}
		for k, v := range base {
			if k != drop {
				reduced[k] = v
			}
		}
		_, c := Normalize(models.RawListing{Extracted: reduced})
		assert.Less(t, c, full, "removing %s must lower confidence", drop)
	}
}

func TestNormalize_Empty(t *testing.T) {
	n, confidence := Normalize(models.RawListing{})

	assert.Nil(t, n.Price)
	assert.Empty(t, n.Images)
	assert.InDelta(t, 0.0, confidence, 1e-9)
	assert.GreaterOrEqual(t, confidence, 0.0)
}
