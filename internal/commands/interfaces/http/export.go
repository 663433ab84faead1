package http

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	commandsapp "dispatchd/internal/commands/application"
	commands "dispatchd/internal/commands/domain"
)

// ExportHandler serves command history downloads at
// /api/v1/exports/commands.xlsx and /api/v1/exports/commands.pdf. The same
// filters as the list endpoint apply.
type ExportHandler struct {
	service *commandsapp.Service
	prefix  string
}

// NewExportHandler constructs an export handler for the given route prefix.
func NewExportHandler(service *commandsapp.Service, prefix string) (*ExportHandler, error) {
	if service == nil {
		return nil, errors.New("export handler: nil service")
	}
	if prefix == "" {
		prefix = "/api/v1/exports/"
	}
	return &ExportHandler{service: service, prefix: prefix}, nil
}

// ServeHTTP renders the filtered command history in the requested format.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	filter := commands.ListFilter{AgentID: r.URL.Query().Get("agent_id")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := commands.NormalizeStatus(raw)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown status %q", raw), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		respondCommandError(w, err)
		return
	}

	switch r.URL.Path {
	case h.prefix + "commands.xlsx":
		data, err := BuildCommandsXLSX(list)
		if err != nil {
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="commands.xlsx"`)
		_, _ = w.Write(data)
	case h.prefix + "commands.pdf":
		data, err := BuildCommandsPDF(list)
		if err != nil {
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="commands.pdf"`)
		_, _ = w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

// BuildCommandsPDF renders a minimal PDF of the command history.
func BuildCommandsPDF(list []commands.Command) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Command History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Commands: %d", len(list)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(62, 6, "Command", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Agent", "1", 0, "C", false, 0, "")
	pdf.CellFormat(60, 6, "Instruction", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(15, 6, "Priority", "1", 0, "C", false, 0, "")
	pdf.CellFormat(45, 6, "Created", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for i := range list {
		cmd := &list[i]
		pdf.CellFormat(62, 6, cmd.CommandID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(50, 6, cmd.AgentID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(60, 6, truncate(cmd.Instruction, 40), "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, string(cmd.Status), "1", 0, "C", false, 0, "")
		pdf.CellFormat(15, 6, fmt.Sprintf("%d", cmd.Priority), "1", 0, "R", false, 0, "")
		pdf.CellFormat(45, 6, cmd.CreatedAt.Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildCommandsXLSX renders a minimal XLSX of the command history.
func BuildCommandsXLSX(list []commands.Command) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "commands"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Command", "Agent", "Instruction", "Status", "Priority", "Requested By", "Created", "Started", "Completed", "Attempts", "Error"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
	}
	for i := range list {
		cmd := &list[i]
		row := i + 2
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), cmd.CommandID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), cmd.AgentID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), cmd.Instruction)
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), string(cmd.Status))
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), cmd.Priority)
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", row), cmd.RequestedBy)
		_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", row), cmd.CreatedAt.Format(time.RFC3339))
		if !cmd.StartedAt.IsZero() {
			_ = f.SetCellValue(sheet, fmt.Sprintf("H%d", row), cmd.StartedAt.Format(time.RFC3339))
		}
		if !cmd.CompletedAt.IsZero() {
			_ = f.SetCellValue(sheet, fmt.Sprintf("I%d", row), cmd.CompletedAt.Format(time.RFC3339))
		}
		_ = f.SetCellValue(sheet, fmt.Sprintf("J%d", row), cmd.AttemptCount)
		if cmd.ErrorMessage != "" {
			_ = f.SetCellValue(sheet, fmt.Sprintf("K%d", row), cmd.ErrorMessage)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max-3] + "..."
}
