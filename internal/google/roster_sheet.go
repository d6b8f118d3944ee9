package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gymbook/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	rosterIDRange  = "Roster!A:A"
	timestampStyle = "2006-01-02 15:04:05"
)

// ErrRowNotFound is returned when a booking has no row on the roster sheet.
var ErrRowNotFound = errors.New("roster row not found")

// RosterSheet mirrors bookings into a single shared spreadsheet, one row per booking.
// Columns: A id, B member, C class id, D class, E date, F status, G cancelled by member,
// H attended, I created, J updated.
type RosterSheet struct {
	service       *sheets.Service
	spreadsheetID string
	rowCache      map[int64]int
	cacheMu       sync.RWMutex
	now           func() time.Time
	logger        zerolog.Logger
}

func NewRosterSheet(ctx context.Context, credentialsFile, spreadsheetID string, logger *zerolog.Logger) (*RosterSheet, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	jwtConfig, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwtConfig.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return newRosterSheet(srv, spreadsheetID, logger), nil
}

func newRosterSheet(srv *sheets.Service, spreadsheetID string, logger *zerolog.Logger) *RosterSheet {
	return &RosterSheet{
		service:       srv,
		spreadsheetID: spreadsheetID,
		rowCache:      make(map[int64]int),
		now:           time.Now,
		logger:        logger.With().Str("component", "roster_sheet").Logger(),
	}
}

// TestConnection reads the header cell to check access to the spreadsheet.
func (s *RosterSheet) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, "Roster!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("roster sheet unreachable: %w", err)
	}
	return nil
}

// WarmUpCache rebuilds the booking id -> row index map from column A.
func (s *RosterSheet) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, rosterIDRange).Context(ctx).Do()
	if err != nil {
		return err
	}

	cache := make(map[int64]int, len(resp.Values))
	for i, row := range resp.Values {
		if id := cellID(row); id > 0 {
			cache[id] = i + 1
		}
	}

	s.cacheMu.Lock()
	s.rowCache = cache
	s.cacheMu.Unlock()

	s.logger.Debug().Int("rows", len(cache)).Msg("roster row cache warmed")
	return nil
}

// StartCacheRefresh warms the cache now and then every interval until ctx is done.
func (s *RosterSheet) StartCacheRefresh(ctx context.Context, interval time.Duration) {
	refresh := func() {
		c, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.WarmUpCache(c); err != nil {
			s.logger.Warn().Err(err).Msg("roster cache refresh failed")
		}
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// AppendBooking adds a new row and remembers where it landed.
func (s *RosterSheet) AppendBooking(ctx context.Context, booking *models.Booking) error {
	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{bookingRow(booking)},
	}

	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, rosterIDRange, valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return err
	}

	if resp.Updates != nil {
		if row, ok := firstRow(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(booking.ID, row)
		}
	}
	return nil
}

// UpsertBooking rewrites the booking's row, appending one when it has none yet.
func (s *RosterSheet) UpsertBooking(ctx context.Context, booking *models.Booking) error {
	if booking == nil {
		return fmt.Errorf("booking is nil")
	}

	rowIdx, err := s.FindBookingRow(ctx, booking.ID)
	if err != nil {
		if errors.Is(err, ErrRowNotFound) {
			return s.AppendBooking(ctx, booking)
		}
		return err
	}

	rangeData := fmt.Sprintf("Roster!A%d:J%d", rowIdx, rowIdx)
	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{bookingRow(booking)},
	}

	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return err
}

// UpdateBookingStatus touches only the status and updated columns.
func (s *RosterSheet) UpdateBookingStatus(ctx context.Context, bookingID int64, status models.BookingStatus) error {
	rowIdx, err := s.FindBookingRow(ctx, bookingID)
	if err != nil {
		return err
	}

	data := []*sheets.ValueRange{
		{
			Range:  fmt.Sprintf("Roster!F%d", rowIdx),
			Values: [][]interface{}{{string(status)}},
		},
		{
			Range:  fmt.Sprintf("Roster!J%d", rowIdx),
			Values: [][]interface{}{{s.now().Format(timestampStyle)}},
		},
	}

	_, err = s.service.Spreadsheets.Values.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	return err
}

// FindBookingRow returns the 1-based row for bookingID, scanning column A on a cache miss.
func (s *RosterSheet) FindBookingRow(ctx context.Context, bookingID int64) (int, error) {
	if bookingID == 0 {
		return 0, fmt.Errorf("booking id is required")
	}

	if row, ok := s.getCachedRow(bookingID); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, rosterIDRange).Context(ctx).Do()
	if err != nil {
		return 0, err
	}

	for i, row := range resp.Values {
		if cellID(row) == bookingID {
			s.setCachedRow(bookingID, i+1)
			return i + 1, nil
		}
	}

	return 0, ErrRowNotFound
}

func (s *RosterSheet) getCachedRow(id int64) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *RosterSheet) setCachedRow(id int64, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}

func bookingRow(b *models.Booking) []interface{} {
	return []interface{}{
		b.ID,
		b.MemberID,
		b.ClassID,
		b.ClassTitle,
		b.Date.Format("2006-01-02"),
		string(b.Status),
		b.CancelledByMember,
		b.Attended,
		b.CreatedAt.Format(timestampStyle),
		b.UpdatedAt.Format(timestampStyle),
	}
}

func cellID(row []interface{}) int64 {
	if len(row) == 0 {
		return 0
	}
	switch v := row[0].(type) {
	case float64:
		return int64(v)
	case string:
		id, _ := strconv.ParseInt(v, 10, 64)
		return id
	}
	return 0
}

// firstRow extracts 10 from a range such as "Roster!A10:J10".
func firstRow(a1 string) (int, bool) {
	var row int
	start := -1
	for i, r := range a1 {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return 0, false
	}
	for _, r := range a1[start:] {
		if r < '0' || r > '9' {
			break
		}
		row = row*10 + int(r-'0')
	}
	return row, row > 0
}
