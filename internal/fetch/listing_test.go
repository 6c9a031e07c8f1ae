package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radarwatch/radar-publisher/internal/product"
)

const listingPage = `<html><body>
<a href="../">Parent Directory</a>
<a href="?C=M;O=A">Last modified</a>
<a href="maxz_20260829101500.hdf">maxz_20260829101500.hdf</a>
<a href="maxz_20260829100500.hdf">maxz_20260829100500.hdf</a>
<a href="README.txt">README.txt</a>
<a href="maxz_20260829101500.hdf">maxz_20260829101500.hdf</a>
</body></html>`

func TestParseListingCurrent(t *testing.T) {
	ids := ParseListing([]byte(listingPage), product.StreamCurrent)
	require.Len(t, ids, 2, "non-product entries and duplicates are dropped")

	assert.Equal(t, "maxz_20260829100500.hdf", ids[0].Filename)
	assert.Equal(t, "maxz_20260829101500.hdf", ids[1].Filename)
	assert.True(t, ids[0].Timestamp.Before(ids[1].Timestamp), "listing must be chronological")
	assert.Equal(t, time.Date(2026, 8, 29, 10, 5, 0, 0, time.UTC), ids[0].Timestamp)
}

func TestParseListingForecastLeadOrder(t *testing.T) {
	page := `<a href="fct_maxz_20260829100000_ft30.hdf">x</a>
<a href="fct_maxz_20260829100000_ft10.hdf">x</a>
<a href="fct_maxz_20260829100000_ft20.hdf">x</a>`

	ids := ParseListing([]byte(page), product.StreamForecast)
	require.Len(t, ids, 3)
	assert.Equal(t, []int{10, 20, 30}, []int{ids[0].LeadMinutes, ids[1].LeadMinutes, ids[2].LeadMinutes})
}

func TestParseListingEmptyPage(t *testing.T) {
	assert.Empty(t, ParseListing([]byte("<html></html>"), product.StreamCurrent))
}
