package glucose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMgDl(t *testing.T) {
	v, err := ToMgDl(5.5, "mmol/L")
	require.NoError(t, err)
	assert.Equal(t, 99.1, v)

	v, err = ToMgDl(120, "mg/dL")
	require.NoError(t, err)
	assert.Equal(t, 120.0, v)

	v, err = ToMgDl(7, "MMOL/L")
	require.NoError(t, err)
	assert.Equal(t, 126.1, v)

	_, err = ToMgDl(5, "g/L")
	assert.Error(t, err)
}
