package locale

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForCountryCode(t *testing.T) {
	us, err := ForCountryCode("us")
	require.NoError(t, err)
	assert.Equal(t, "com", us.Domain)
	assert.Equal(t, "AF2M0KC94RCEA", us.MarketPlaceID)
	assert.Equal(t, "api.audible.com", us.APIHost())
	assert.Equal(t, "www.amazon.com", us.AmazonHost())

	uk, err := ForCountryCode(" UK ")
	require.NoError(t, err)
	assert.Equal(t, "co.uk", uk.Domain)

	_, err = ForCountryCode("zz")
	assert.Error(t, err)
}

func TestAvailable(t *testing.T) {
	codes := Available()
	assert.Len(t, codes, 11)
	assert.Contains(t, codes, "us")
	assert.Contains(t, codes, "jp")
}
