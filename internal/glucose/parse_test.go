package glucose

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSV_MissingValueColumn(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("timestamp,unit\n2026-01-30 08:00:00,mg/dL\n"))
	assert.ErrorIs(t, err, ErrMalformedFile)
}

func TestParseCSV_SkipsSentinels(t *testing.T) {
	data := "Timestamp,Glucose Value,Unit\n" +
		"2026-01-30 08:00:00,Low,mg/dL\n" +
		"2026-01-30 08:05:00,,mg/dL\n" +
		"2026-01-30 08:10:00,High,mg/dL\n" +
		"2026-01-30 08:15:00,5.5,mmol/L\n" +
		"2026-01-30T08:20:00Z,112,\n"
	got, err := ParseCSV(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 3, got.Skipped)
	require.Len(t, got.Readings, 2)
	assert.Equal(t, 99.1, got.Readings[0].ValueMgDl)
	assert.Equal(t, time.Date(2026, 1, 30, 8, 15, 0, 0, time.UTC), got.Readings[0].Timestamp)
	assert.Equal(t, 112.0, got.Readings[1].ValueMgDl)
}

func TestParseCSV_ClarityStyleExport(t *testing.T) {
	data := "Index,Timestamp (YYYY-MM-DDThh:mm:ss),Event Type,Glucose Value (mmol/L),Insulin Value (u)\n" +
		"1,2026-01-30T08:00:00,EGV,6.1,\n" +
		"2,2026-01-30T08:30:00,Insulin,,4\n" +
		"3,2026-01-30T09:00:00,Carbs,,\n"
	got, err := ParseCSV(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, got.Readings, 1)
	assert.Equal(t, 109.9, got.Readings[0].ValueMgDl)
	require.Len(t, got.Events, 2)
	assert.Equal(t, "insulin", got.Events[0].Type)
	require.NotNil(t, got.Events[0].Value)
	assert.Equal(t, 4.0, *got.Events[0].Value)
	assert.Nil(t, got.Events[1].Value)
}

func TestParseJSON(t *testing.T) {
	data := `{"unit":"mmol/L","readings":[{"timestamp":"2026-01-30T08:00:00Z","value":5.5}],
	  "points":[{"time":"1769760000","value":"120","unit":"mg/dL"},{"timestamp":"2026-01-30T09:00:00Z","value":"Low"}],
	  "events":[{"timestamp":"2026-01-30T12:00:00Z","type":"Meal","value":45}]}`
	got, err := ParseJSON([]byte(data))
	require.NoError(t, err)
	require.Len(t, got.Readings, 2)
	assert.Equal(t, 99.1, got.Readings[0].ValueMgDl)
	assert.Equal(t, 120.0, got.Readings[1].ValueMgDl)
	assert.Equal(t, 1, got.Skipped)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "meal", got.Events[0].Type)
}

func TestParseJSON_Malformed(t *testing.T) {
	_, err := ParseJSON([]byte(`{"readings": [`))
	assert.ErrorIs(t, err, ErrMalformedFile)
	_, err = ParseJSON([]byte(`{"values": []}`))
	assert.ErrorIs(t, err, ErrMalformedFile)
}

func TestParse_Dispatch(t *testing.T) {
	got, err := Parse("export.txt", "text/plain", []byte(`{"points":[]}`))
	require.NoError(t, err)
	assert.Empty(t, got.Readings)

	got, err = Parse("export.csv", "text/csv", []byte("time,value\n2026-01-30 08:00,101\n"))
	require.NoError(t, err)
	assert.Len(t, got.Readings, 1)

	_, err = Parse("empty.csv", "", []byte("  \n"))
	assert.ErrorIs(t, err, ErrMalformedFile)
}
