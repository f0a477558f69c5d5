package export

import (
	"bytes"
	"encoding/csv"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

var at = time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)

func sampleData() ExportData {
	alert := models.NewAlertEvent(models.SeverityWarning, models.AlertOxygenLow, models.ChannelDissolvedOxygen, "oxygen low", at)
	return ExportData{
		Readings: []models.Reading{
			{Channel: models.ChannelDissolvedOxygen, Value: 4.8, Unit: "mg/L", SensorID: "probe-1", Timestamp: at, Quality: models.QualityValid},
			{Channel: models.ChannelPH, Value: math.NaN(), Unit: "pH", SensorID: "probe-1", Timestamp: at, Quality: models.QualitySensorError},
		},
		Commands: []models.ActuatorCommand{
			models.NewActuatorCommand("aerator-1", models.TargetOn, "oxygen_low", at),
		},
		Alerts: []models.AlertEvent{alert, alert.Resolve(at.Add(time.Minute))},
		Thresholds: []models.ThresholdSnapshot{
			{Generation: 1, Thresholds: models.DefaultThresholds(), Source: models.ThresholdSourceDefault, CreatedAt: at},
		},
		ExportMetadata: ExportMetadata{GeneratedAt: at, From: at.Add(-time.Hour), To: at, SiteName: "pond-a"},
	}
}

func TestGenerateExcel(t *testing.T) {
	es := NewExportService()
	f, err := es.GenerateExcel(sampleData())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Summary", "Sensor Data", "Actuator Commands", "Alerts", "Thresholds"}, f.GetSheetList())

	value, err := f.GetCellValue("Sensor Data", "C2")
	require.NoError(t, err)
	assert.Equal(t, "4.8", value)

	fault, err := f.GetCellValue("Sensor Data", "C3")
	require.NoError(t, err)
	assert.Empty(t, fault, "Expected sensor faults exported as empty cells")

	reason, err := f.GetCellValue("Actuator Commands", "D2")
	require.NoError(t, err)
	assert.Equal(t, "oxygen_low", reason)

	rows, err := f.GetRows("Alerts")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	assert.NotZero(t, buf.Len())
}

func TestWriteCSV(t *testing.T) {
	es := NewExportService()
	var buf bytes.Buffer
	require.NoError(t, es.WriteCSV(&buf, sampleData().Readings))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "timestamp", records[0][0])
	assert.Equal(t, []string{"2025-06-01T04:00:00Z", "dissolved_oxygen", "4.8", "mg/L", "probe-1", "valid"}, records[1])
	assert.Equal(t, "", records[2][2])
	assert.Equal(t, "sensor_error", records[2][5])
}
