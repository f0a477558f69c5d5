package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

// ExportService handles data export functionality
type ExportService struct{}

// NewExportService creates a new export service instance
func NewExportService() *ExportService {
	return &ExportService{}
}

// ExportData represents data to be exported
type ExportData struct {
	Readings       []models.Reading
	Commands       []models.ActuatorCommand
	Alerts         []models.AlertEvent
	Thresholds     []models.ThresholdSnapshot
	ExportMetadata ExportMetadata
}

// ExportMetadata contains information about the export
type ExportMetadata struct {
	GeneratedAt time.Time `json:"generated_at"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Channels    []string  `json:"channels"`
	SiteName    string    `json:"site_name"`
}

// DateRange formats the exported period
func (m ExportMetadata) DateRange() string {
	return fmt.Sprintf("%s to %s", m.From.Format(timeLayout), m.To.Format(timeLayout))
}

// GenerateExcel creates a workbook with the history of the controller.
// The caller must close the returned file.
func (es *ExportService) GenerateExcel(data ExportData) (*excelize.File, error) {
	f := excelize.NewFile()

	// Set document properties
	if err := f.SetDocProps(&excelize.DocProperties{
		Category:    "AquaSmart Aeration Control",
		Created:     data.ExportMetadata.GeneratedAt.Format(time.RFC3339),
		Creator:     "AquaSmart Edge",
		Description: "Water quality readings, aeration commands and alerts",
		Modified:    data.ExportMetadata.GeneratedAt.Format(time.RFC3339),
		Subject:     "Pond water quality & aeration history",
		Title:       "AquaSmart Aeration Report",
		Version:     "1.0",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("set document properties: %w", err)
	}

	steps := []func(*excelize.File, ExportData) error{
		es.createSummarySheet,
		es.createSensorDataSheet,
		es.createCommandsSheet,
		es.createAlertsSheet,
		es.createThresholdsSheet,
	}
	for _, step := range steps {
		if err := step(f, data); err != nil {
			f.Close()
			return nil, err
		}
	}

	// Set active sheet to Summary
	f.SetActiveSheet(0)

	return f, nil
}

func headerStyle(f *excelize.File, color string, size float64) (int, error) {
	return f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: size, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
	})
}

// writeTable writes a styled header row followed by the data rows
func writeTable(f *excelize.File, sheet, color string, headers []string, rows [][]any) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet %s: %w", sheet, err)
	}
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return fmt.Errorf("write %s header: %w", sheet, err)
	}

	style, err := headerStyle(f, color, 11)
	if err != nil {
		return err
	}
	last, _ := excelize.ColumnNumberToName(len(headers))
	f.SetCellStyle(sheet, "A1", last+"1", style)

	// Data rows
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+2, err)
		}
	}

	// Format columns
	f.SetColWidth(sheet, "A", "A", 20)
	f.SetColWidth(sheet, "B", last, 16)
	return nil
}

// createSummarySheet creates the summary overview sheet
func (es *ExportService) createSummarySheet(f *excelize.File, data ExportData) error {
	sheetName := "Summary"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}

	style, err := headerStyle(f, "4472C4", 14)
	if err != nil {
		return err
	}

	// Title
	f.SetCellValue(sheetName, "A1", "AquaSmart Aeration Report")
	f.MergeCell(sheetName, "A1", "D1")
	f.SetCellStyle(sheetName, "A1", "D1", style)
	f.SetRowHeight(sheetName, 1, 25)

	meta := data.ExportMetadata
	rows := [][]any{
		{"Site:", meta.SiteName},
		{"Generated At:", meta.GeneratedAt.Format(timeLayout)},
		{"Date Range:", meta.DateRange()},
		{"Sensor Readings:", len(data.Readings)},
		{"Actuator Commands:", len(data.Commands)},
		{"Alerts:", len(data.Alerts)},
		{"Threshold Generations:", len(data.Thresholds)},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+3)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return err
		}
	}

	// Column widths
	f.SetColWidth(sheetName, "A", "A", 24)
	f.SetColWidth(sheetName, "B", "D", 20)

	return nil
}

// createSensorDataSheet creates the sensor readings sheet
func (es *ExportService) createSensorDataSheet(f *excelize.File, data ExportData) error {
	rows := make([][]any, 0, len(data.Readings))
	for _, r := range data.Readings {
		rows = append(rows, []any{
			r.Timestamp.Format(timeLayout), string(r.Channel), cellValue(r.Value), r.Unit, r.SensorID, string(r.Quality),
		})
	}
	return writeTable(f, "Sensor Data", "70AD47",
		[]string{"Timestamp", "Channel", "Value", "Unit", "Sensor", "Quality"}, rows)
}

// createCommandsSheet creates the actuator command journal sheet
func (es *ExportService) createCommandsSheet(f *excelize.File, data ExportData) error {
	rows := make([][]any, 0, len(data.Commands))
	for _, c := range data.Commands {
		rows = append(rows, []any{
			c.IssuedAt.Format(timeLayout), c.ActuatorID, string(c.TargetState), c.Reason, c.NoOp, c.ThresholdsGeneration,
		})
	}
	return writeTable(f, "Actuator Commands", "C55A11",
		[]string{"Issued At", "Actuator", "Target", "Reason", "No-op", "Thresholds Generation"}, rows)
}

// createAlertsSheet creates the alert history sheet
func (es *ExportService) createAlertsSheet(f *excelize.File, data ExportData) error {
	rows := make([][]any, 0, len(data.Alerts))
	for _, a := range data.Alerts {
		resolved := ""
		if a.ResolvedAt != nil {
			resolved = a.ResolvedAt.Format(timeLayout)
		}
		rows = append(rows, []any{
			a.RaisedAt.Format(timeLayout), string(a.Severity), string(a.Kind), string(a.Channel), a.Message, optional(a.Value), resolved,
		})
	}
	return writeTable(f, "Alerts", "7030A0",
		[]string{"Raised At", "Severity", "Kind", "Channel", "Message", "Value", "Resolved At"}, rows)
}

// createThresholdsSheet creates the threshold generation sheet
func (es *ExportService) createThresholdsSheet(f *excelize.File, data ExportData) error {
	rows := make([][]any, 0, len(data.Thresholds))
	for _, s := range data.Thresholds {
		t := s.Thresholds
		fitness := any("")
		if s.FitnessKnown {
			fitness = s.Fitness
		}
		rows = append(rows, []any{
			s.CreatedAt.Format(timeLayout), s.Generation, string(s.Source), fitness,
			t.OxygenLowMgL, t.OxygenCriticalMgL, t.PhMin, t.PhMax, t.TurbidityMax, t.AerationHysteresisSeconds,
		})
	}
	return writeTable(f, "Thresholds", "2F5597",
		[]string{"Created At", "Generation", "Source", "Fitness", "DO Low (mg/L)", "DO Critical (mg/L)", "pH Min", "pH Max", "Turbidity Max (NTU)", "Hysteresis (s)"}, rows)
}

// cellValue leaves sensor faults as empty cells
func cellValue(v float64) any {
	if math.IsNaN(v) {
		return ""
	}
	return v
}

func optional(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}

// GenerateCSV creates CSV records for sensor readings
func (es *ExportService) GenerateCSV(readings []models.Reading) [][]string {
	// CSV headers
	records := [][]string{
		{"timestamp", "channel", "value", "unit", "sensor_id", "quality"},
	}

	// Add data rows
	for _, r := range readings {
		value := ""
		if !math.IsNaN(r.Value) {
			value = strconv.FormatFloat(r.Value, 'f', -1, 64)
		}
		records = append(records, []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			string(r.Channel),
			value,
			r.Unit,
			r.SensorID,
			string(r.Quality),
		})
	}

	return records
}

// WriteCSV writes sensor readings as CSV
func (es *ExportService) WriteCSV(w io.Writer, readings []models.Reading) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(es.GenerateCSV(readings)); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
