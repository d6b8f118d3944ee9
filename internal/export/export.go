package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gymbook/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	rosterSheet    = "Roster"
	summarySheet   = "Summary"
	breakdownSheet = "Breakdown"
	classesSheet   = "Classes"
)

var weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// Exporter renders xlsx workbooks. When dir is set every workbook is also archived there.
type Exporter struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger
}

func NewExporter(dir string, logger *zerolog.Logger) *Exporter {
	return &Exporter{
		dir:    dir,
		now:    time.Now,
		logger: logger.With().Str("component", "export").Logger(),
	}
}

// Roster writes the roster of one class occurrence to w and returns the archived path, if any.
func (e *Exporter) Roster(
	w io.Writer,
	class *models.TrainingClass,
	date time.Time,
	bookings []*models.Booking,
	members map[int64]*models.Member,
) (string, error) {
	f, err := rosterWorkbook(class, date, bookings, members)
	if err != nil {
		return "", err
	}
	defer f.Close()

	name := fmt.Sprintf("roster_%d_%s.xlsx", class.ID, date.Format("2006-01-02"))
	return e.write(f, name, w)
}

// Stats writes the booking summary, the window breakdown and per-class totals to w.
func (e *Exporter) Stats(
	w io.Writer,
	stats models.BookingStats,
	breakdown models.Breakdown,
	totals []models.ClassTotal,
) (string, error) {
	f, err := statsWorkbook(stats, breakdown, totals)
	if err != nil {
		return "", err
	}
	defer f.Close()

	name := fmt.Sprintf("stats_%s_%s.xlsx", breakdown.Window, e.now().Format("2006-01-02_15-04-05"))
	return e.write(f, name, w)
}

func (e *Exporter) write(f *excelize.File, name string, w io.Writer) (string, error) {
	var path string
	if e.dir != "" {
		if err := os.MkdirAll(e.dir, 0o755); err != nil {
			return "", fmt.Errorf("create export directory: %w", err)
		}
		path = filepath.Join(e.dir, name)
		if err := f.SaveAs(path); err != nil {
			return "", fmt.Errorf("save %s: %w", name, err)
		}
		e.logger.Info().Str("file_path", path).Msg("workbook archived")
	}

	if _, err := f.WriteTo(w); err != nil {
		return path, fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

func rosterWorkbook(
	class *models.TrainingClass,
	date time.Time,
	bookings []*models.Booking,
	members map[int64]*models.Member,
) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(rosterSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	_ = f.SetCellValue(rosterSheet, "A1", fmt.Sprintf("%s, %s %s %s-%s",
		class.Title, date.Weekday(), date.Format("02.01.2006"), class.StartTime, class.EndTime))
	_ = f.MergeCell(rosterSheet, "A1", "G1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(rosterSheet, "A1", "A1", titleStyle)

	var confirmed, waitlisted int
	for _, b := range bookings {
		switch b.Status {
		case models.StatusConfirmed:
			confirmed++
		case models.StatusWaitlisted:
			waitlisted++
		}
	}
	_ = f.SetCellValue(rosterSheet, "A2", fmt.Sprintf("Confirmed %d/%d, waitlisted %d",
		confirmed, class.EffectiveCapacity(), waitlisted))

	headers := []string{"#", "Booking ID", "Member", "Email", "Status", "Attended", "Booked at"}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 3)
		_ = f.SetCellValue(rosterSheet, cell, h)
		_ = f.SetCellStyle(rosterSheet, cell, cell, headerStyle)
	}

	styles := make(map[models.BookingStatus]int)
	for i, b := range bookings {
		row := i + 4
		username, email := fmt.Sprintf("member #%d", b.MemberID), ""
		if m, ok := members[b.MemberID]; ok {
			username, email = m.Username, m.Email
		}

		_ = f.SetCellValue(rosterSheet, fmt.Sprintf("A%d", row), i+1)
		_ = f.SetCellValue(rosterSheet, fmt.Sprintf("B%d", row), b.ID)
		_ = f.SetCellValue(rosterSheet, fmt.Sprintf("C%d", row), username)
		_ = f.SetCellValue(rosterSheet, fmt.Sprintf("D%d", row), email)
		_ = f.SetCellValue(rosterSheet, fmt.Sprintf("E%d", row), string(b.Status))
		_ = f.SetCellValue(rosterSheet, fmt.Sprintf("F%d", row), yesNo(b.Attended))
		_ = f.SetCellValue(rosterSheet, fmt.Sprintf("G%d", row), b.CreatedAt.Format("02.01.2006 15:04"))

		style, ok := styles[b.Status]
		if !ok {
			style, err = statusStyle(f, b.Status)
			if err != nil {
				f.Close()
				return nil, err
			}
			styles[b.Status] = style
		}
		cell := fmt.Sprintf("E%d", row)
		_ = f.SetCellStyle(rosterSheet, cell, cell, style)
	}

	_ = f.SetColWidth(rosterSheet, "A", "B", 10)
	_ = f.SetColWidth(rosterSheet, "C", "D", 25)
	_ = f.SetColWidth(rosterSheet, "E", "G", 18)

	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

func statsWorkbook(stats models.BookingStats, breakdown models.Breakdown, totals []models.ClassTotal) (*excelize.File, error) {
	f := excelize.NewFile()

	for _, name := range []string{summarySheet, breakdownSheet, classesSheet} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	summary := [][]interface{}{
		{"Total bookings", stats.Total},
		{"Confirmed", stats.Confirmed},
		{"Waitlisted", stats.Waitlisted},
		{"Pending", stats.Pending},
		{"Cancelled", stats.Cancelled},
		{"Cancelled by member", stats.CancelledByMember},
		{"Expired", stats.Expired},
		{"Most popular class", stats.MostPopularClass},
		{"Utilization", stats.Utilization},
	}
	writeRows(f, summarySheet, 1, summary)
	_ = f.SetColWidth(summarySheet, "A", "A", 25)
	_ = f.SetColWidth(summarySheet, "B", "B", 20)

	rows := [][]interface{}{
		{"Window", breakdown.Window},
		{"From", breakdown.From},
		{"To", breakdown.To},
		{"Total", breakdown.Total},
		{"Busiest day", breakdown.BusiestDay},
		{"Cancellation rate", breakdown.CancellationRate},
		{},
		{"Weekday", "Bookings"},
	}
	for _, day := range weekdays {
		rows = append(rows, []interface{}{day, breakdown.ByWeekday[day]})
	}
	rows = append(rows, []interface{}{}, []interface{}{"Category", "Bookings"})
	categories := make([]string, 0, len(breakdown.ByCategory))
	for c := range breakdown.ByCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		rows = append(rows, []interface{}{c, breakdown.ByCategory[c]})
	}
	writeRows(f, breakdownSheet, 1, rows)
	_ = f.SetColWidth(breakdownSheet, "A", "B", 20)

	classRows := [][]interface{}{{"Class ID", "Title", "Bookings"}}
	for _, t := range totals {
		classRows = append(classRows, []interface{}{t.ClassID, t.Title, t.Bookings})
	}
	writeRows(f, classesSheet, 1, classRows)
	_ = f.SetColWidth(classesSheet, "B", "B", 30)

	_ = f.DeleteSheet("Sheet1")
	if idx, err := f.GetSheetIndex(summarySheet); err == nil {
		f.SetActiveSheet(idx)
	}
	return f, nil
}

func writeRows(f *excelize.File, sheet string, startRow int, rows [][]interface{}) {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, startRow+i)
		r := row
		_ = f.SetSheetRow(sheet, cell, &r)
	}
}

func statusStyle(f *excelize.File, status models.BookingStatus) (int, error) {
	color := "#FFFFFF"
	switch status {
	case models.StatusConfirmed:
		color = "#C6EFCE"
	case models.StatusPending, models.StatusWaitlisted:
		color = "#FFEB9C"
	case models.StatusCancelled:
		color = "#FFC7CE"
	case models.StatusExpired:
		color = "#D9D9D9"
	}
	return f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
