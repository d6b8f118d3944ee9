package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gymbook/internal/models"
	"gymbook/internal/service"

	"github.com/go-chi/chi/v5"
)

// memberHeader optionally names the member acting through an API key. Writes made
// on behalf of a demo member are simulated.
const memberHeader = "X-Member-ID"

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func (s *HTTPServer) parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	d, err := time.ParseInLocation(models.DateLayout, raw, s.svc.Ledger.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date format; expected YYYY-MM-DD")
	}
	return d, nil
}

// actingDemo reports whether a write must be simulated: a demo key, a demo acting
// member, or a demo member owning the booking.
func (s *HTTPServer) actingDemo(r *http.Request, memberIDs ...int64) bool {
	if demoCaller(r.Context()) {
		return true
	}
	if raw := strings.TrimSpace(r.Header.Get(memberHeader)); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			memberIDs = append(memberIDs, id)
		}
	}
	for _, id := range memberIDs {
		if s.svc.Members.IsDemoUser(r.Context(), id) {
			return true
		}
	}
	return false
}

// Classes

func (s *HTTPServer) handleListClasses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	var (
		classes []*models.TrainingClass
		err     error
	)
	switch {
	case q.Get("available") == "true":
		classes, err = s.svc.Catalog.FindAvailable(ctx)
	case q.Get("trainer_id") != "":
		trainerID, perr := strconv.ParseInt(q.Get("trainer_id"), 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid trainer_id")
			return
		}
		classes, err = s.svc.Catalog.FindByTrainer(ctx, trainerID)
	default:
		classes, err = s.svc.Catalog.Search(ctx, q.Get("q"))
	}
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	if classes == nil {
		classes = []*models.TrainingClass{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"classes": classes})
}

func (s *HTTPServer) handleGetClass(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	class, err := s.svc.Catalog.FindByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, class)
}

func (s *HTTPServer) handleCreateClass(w http.ResponseWriter, r *http.Request) {
	var req classRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	class, err := s.svc.Catalog.Create(r.Context(), req.toModel(), s.actingDemo(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, class)
}

func (s *HTTPServer) handleUpdateClass(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req classRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	class := req.toModel()
	class.ID = id
	updated, err := s.svc.Catalog.Update(r.Context(), class, s.actingDemo(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteClass(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.Catalog.Delete(r.Context(), id, s.actingDemo(r)); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAssignTrainer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req trainerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	class, err := s.svc.Catalog.AssignTrainer(r.Context(), id, req.TrainerID, s.actingDemo(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, class)
}

func (s *HTTPServer) handleRemoveTrainer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	class, err := s.svc.Catalog.RemoveTrainer(r.Context(), id, s.actingDemo(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, class)
}

func (s *HTTPServer) handleCancelClass(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := s.parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cancelled, err := s.svc.Catalog.Cancel(r.Context(), id, date, s.actingDemo(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	if cancelled == nil {
		cancelled = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": len(cancelled), "bookings": cancelled})
}

func (s *HTTPServer) handleRoster(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := s.parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	class, err := s.svc.Catalog.FindByID(ctx, id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	roster, err := s.svc.Ledger.ListForClassDate(ctx, id, date)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	occupancy, err := s.svc.Ledger.Occupancy(ctx, id, date)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	if roster == nil {
		roster = []*models.Booking{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"class":     class,
		"date":      date.Format(models.DateLayout),
		"capacity":  class.EffectiveCapacity(),
		"occupancy": occupancy,
		"bookings":  roster,
	})
}

func (s *HTTPServer) handleRosterExport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := s.parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	class, err := s.svc.Catalog.FindByID(ctx, id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	roster, err := s.svc.Ledger.ListForClassDate(ctx, id, date)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	members := make(map[int64]*models.Member, len(roster))
	for _, b := range roster {
		if _, seen := members[b.MemberID]; seen {
			continue
		}
		if m, err := s.svc.Members.GetMember(ctx, b.MemberID); err == nil {
			members[b.MemberID] = m
		}
	}

	var buf bytes.Buffer
	if _, err := s.svc.Exporter.Roster(&buf, class, date, roster, members); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeXLSX(w, fmt.Sprintf("roster_%d_%s.xlsx", id, date.Format(models.DateLayout)), &buf)
}

// Bookings

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := s.parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.allowMember(r.Context(), req.MemberID) {
		writeError(w, http.StatusTooManyRequests, "too many booking requests for this member")
		return
	}

	isDemo := s.actingDemo(r, req.MemberID)
	create := s.svc.Ledger.Create
	if req.Pending {
		create = s.svc.Ledger.CreatePending
	}
	booking, err := create(r.Context(), req.MemberID, req.ClassID, date, isDemo)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	code := http.StatusCreated
	if booking.Simulated {
		code = http.StatusOK
	}
	writeJSON(w, code, booking)
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	booking, err := s.svc.Ledger.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// loadBookingForWrite resolves the booking, applies the member write limit and
// works out whether the write is simulated.
func (s *HTTPServer) loadBookingForWrite(w http.ResponseWriter, r *http.Request) (*models.Booking, bool, bool) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false, false
	}
	booking, err := s.svc.Ledger.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return nil, false, false
	}
	if !s.allowMember(r.Context(), booking.MemberID) {
		writeError(w, http.StatusTooManyRequests, "too many booking requests for this member")
		return nil, false, false
	}
	return booking, s.actingDemo(r, booking.MemberID), true
}

func (s *HTTPServer) handleConfirmBooking(w http.ResponseWriter, r *http.Request) {
	booking, isDemo, ok := s.loadBookingForWrite(w, r)
	if !ok {
		return
	}
	confirmed, err := s.svc.Ledger.Confirm(r.Context(), booking.ID, isDemo)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmed)
}

func (s *HTTPServer) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var req cancelBookingRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	booking, isDemo, ok := s.loadBookingForWrite(w, r)
	if !ok {
		return
	}
	cancelled, err := s.svc.Ledger.Cancel(r.Context(), booking.ID, req.ByMember, isDemo)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

func (s *HTTPServer) handleAttendance(w http.ResponseWriter, r *http.Request) {
	var req attendanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	booking, isDemo, ok := s.loadBookingForWrite(w, r)
	if !ok {
		return
	}
	updated, err := s.svc.Ledger.MarkAttended(r.Context(), booking.ID, *req.Attended, isDemo)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Members

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.svc.Members.List(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	if members == nil {
		members = []*models.Member{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *HTTPServer) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	var req createMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	member := &models.Member{
		Username: req.Username,
		Email:    req.Email,
		Role:     models.Role(req.Role),
	}
	if member.Role == "" {
		member.Role = models.RoleMember
	}
	created, err := s.svc.Members.Create(r.Context(), member, s.actingDemo(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleMemberBookings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = service.ScopeUpcoming
	}
	bookings, err := s.svc.Ledger.ListForMember(r.Context(), id, scope)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	if bookings == nil {
		bookings = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "bookings": bookings})
}

func (s *HTTPServer) handleMembershipStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.svc.Stats.MembershipStats(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Stats

func (s *HTTPServer) handleBookingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats.BookingStats(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleMemberStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats.MemberStats(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleClassTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.svc.Stats.ClassTotals(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	if totals == nil {
		totals = []models.ClassTotal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"classes": totals})
}

func windowParam(r *http.Request) string {
	if w := strings.TrimSpace(r.URL.Query().Get("window")); w != "" {
		return w
	}
	return models.WindowMonth
}

func (s *HTTPServer) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	breakdown, err := s.svc.Stats.Breakdown(r.Context(), windowParam(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (s *HTTPServer) handleStatsExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	breakdown, err := s.svc.Stats.Breakdown(ctx, windowParam(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	stats, err := s.svc.Stats.BookingStats(ctx)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	totals, err := s.svc.Stats.ClassTotals(ctx)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	var buf bytes.Buffer
	if _, err := s.svc.Exporter.Stats(&buf, *stats, *breakdown, totals); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeXLSX(w, fmt.Sprintf("stats_%s.xlsx", breakdown.Window), &buf)
}

// Admin

func (s *HTTPServer) handleExpire(w http.ResponseWriter, r *http.Request) {
	if s.actingDemo(r) {
		writeJSON(w, http.StatusOK, demoResponse)
		return
	}
	report, err := s.svc.Ledger.ExpireStalePending(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	before, err := s.parseDate(r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	deleted, err := s.svc.Ledger.PurgeTerminal(r.Context(), before, s.actingDemo(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func writeXLSX(w http.ResponseWriter, name string, buf *bytes.Buffer) {
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
