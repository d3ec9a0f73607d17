package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/analytics"
	"github.com/Ft2801/progetto-PA/internal/auth"
	"github.com/Ft2801/progetto-PA/internal/booking"
	"github.com/Ft2801/progetto-PA/internal/catalog"
	"github.com/Ft2801/progetto-PA/internal/events"
	"github.com/Ft2801/progetto-PA/internal/ledger"
	"github.com/Ft2801/progetto-PA/internal/model"
)

type capacitiesRequest struct {
	Date  string                  `json:"date"`
	Slots []catalog.CapacityInput `json:"slots"`
}

type pricesRequest struct {
	Date  string               `json:"date"`
	Slots []catalog.PriceInput `json:"slots"`
}

// principal is set by the auth middleware on every route that calls it.
func principal(r *http.Request) *auth.Principal {
	return auth.PrincipalFromContext(r.Context())
}

// producerID resolves the calling user's producer profile.
func (s *Server) producerID(r *http.Request) (int64, error) {
	p, err := s.catalog.Profile(r.Context(), principal(r).ID)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

// Me handles GET /api/v1/me.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), principal(r).ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ListProducers handles GET /api/v1/producers.
func (s *Server) ListProducers(w http.ResponseWriter, r *http.Request) {
	ps, err := s.catalog.ListProducers(r.Context(), r.URL.Query().Get("energyType"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// ListSlots handles GET /api/v1/producers/{producerID}/slots.
func (s *Server) ListSlots(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "producerID"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, "invalid producer id", http.StatusBadRequest)
		return
	}
	slots, err := s.catalog.ListSlots(r.Context(), id, r.URL.Query().Get("date"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slots)
}

// UpsertProfile handles POST /api/v1/producer/profile.
func (s *Server) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	var in catalog.ProfileInput
	if err := decode(r, &in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := s.catalog.UpsertProfile(r.Context(), principal(r).ID, in)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": p.ID})
}

// UpsertCapacities handles POST /api/v1/producer/capacities.
func (s *Server) UpsertCapacities(w http.ResponseWriter, r *http.Request) {
	var req capacitiesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ids, err := s.catalog.UpsertCapacities(r.Context(), principal(r).ID, req.Date, req.Slots)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int64{"capacities": ids})
}

// UpdatePrices handles POST /api/v1/producer/prices.
func (s *Server) UpdatePrices(w http.ResponseWriter, r *http.Request) {
	var req pricesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ids, err := s.catalog.UpdatePrices(r.Context(), principal(r).ID, req.Date, req.Slots)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int64{"capacities": ids})
}

// Occupancy handles GET /api/v1/producer/occupancy.
func (s *Server) Occupancy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := optionalInt(q.Get("fromHour"))
	if err != nil {
		writeError(w, "invalid fromHour", http.StatusBadRequest)
		return
	}
	to, err := optionalInt(q.Get("toHour"))
	if err != nil {
		writeError(w, "invalid toHour", http.StatusBadRequest)
		return
	}
	pid, err := s.producerID(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	occ, err := s.analytics.Occupancy(r.Context(), pid, q.Get("date"), from, to)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

// Earnings handles GET /api/v1/producer/earnings.
func (s *Server) Earnings(w http.ResponseWriter, r *http.Request) {
	pid, err := s.producerID(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	total, err := s.analytics.Earnings(r.Context(), pid, r.URL.Query().Get("range"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"total": total})
}

// ExportEarnings handles GET /api/v1/producer/earnings/export.
func (s *Server) ExportEarnings(w http.ResponseWriter, r *http.Request) {
	pid, err := s.producerID(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	q := r.URL.Query()
	stmt, err := s.analytics.Statement(r.Context(), pid, q.Get("range"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	format := q.Get("format")
	body, contentType, err := analytics.Render(stmt, format)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	ext := analytics.FormatPDF
	if format != "" {
		ext = format
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=earnings-%d-%s-%s.%s", pid, stmt.From, stmt.To, ext))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// ProportionalAccept handles POST /api/v1/producer/proportional-accept.
func (s *Server) ProportionalAccept(w http.ResponseWriter, r *http.Request) {
	var req booking.ResolveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pid, err := s.producerID(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	res, err := s.resolver.ProportionalAccept(r.Context(), pid, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ProducerStats handles GET /api/v1/stats/producer.
func (s *Server) ProducerStats(w http.ResponseWriter, r *http.Request) {
	pid, err := s.producerID(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	stats, err := s.analytics.HourlyStats(r.Context(), pid, r.URL.Query().Get("range"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Reserve handles POST /api/v1/consumer/reserve.
func (s *Server) Reserve(w http.ResponseWriter, r *http.Request) {
	var req booking.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.Create(r.Context(), principal(r).ID, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": res.ID})
}

// Modify handles POST /api/v1/consumer/modify. A kwh of 0 cancels.
func (s *Server) Modify(w http.ResponseWriter, r *http.Request) {
	var req booking.ModifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.Modify(r.Context(), principal(r).ID, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if res.Cancelled {
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true, "refunded": res.Refunded})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": res.Reservation.ID, "kwh": res.Reservation.Kwh})
}

// LiveFeed handles GET /api/v1/ws. Producers follow their own slots only.
// Consumers see every slot total but only their own reservation details;
// admins see everything. An optional producerId narrows the feed.
func (s *Server) LiveFeed(w http.ResponseWriter, r *http.Request) {
	var sub events.Subscription
	if raw := r.URL.Query().Get("producerId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 1 {
			writeError(w, "invalid producerId", http.StatusBadRequest)
			return
		}
		sub.ProducerID = id
	}

	p := principal(r)
	switch p.Role {
	case model.RoleProducer:
		pid, err := s.producerID(r)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if sub.ProducerID != 0 && sub.ProducerID != pid {
			writeDomainError(w, r, fmt.Errorf("%w: feed of producer %d", model.ErrForbidden, sub.ProducerID))
			return
		}
		sub.ProducerID = pid
	case model.RoleConsumer:
		sub.ConsumerID = p.ID
	case model.RoleAdmin:
		sub.Full = true
	default:
		writeDomainError(w, r, model.ErrForbidden)
		return
	}
	s.hub.Serve(w, r, sub)
}

// Purchases handles GET /api/v1/consumer/purchases.
func (s *Server) Purchases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := analytics.PurchaseFilter{EnergyType: q.Get("energyType"), Range: q.Get("range")}
	if raw := q.Get("producerId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 1 {
			writeError(w, "invalid producerId", http.StatusBadRequest)
			return
		}
		f.ProducerID = id
	}
	rs, err := s.analytics.Purchases(r.Context(), principal(r).ID, f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rs == nil {
		rs = []model.Reservation{}
	}
	writeJSON(w, http.StatusOK, rs)
}

// Carbon handles GET /api/v1/consumer/carbon.
func (s *Server) Carbon(w http.ResponseWriter, r *http.Request) {
	grams, err := s.analytics.Carbon(r.Context(), principal(r).ID, r.URL.Query().Get("range"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"gramsCO2": grams})
}

// Ledger handles GET /api/v1/consumer/ledger.
func (s *Server) Ledger(w http.ResponseWriter, r *http.Request) {
	entries, err := ledger.History(r.Context(), s.store, principal(r).ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func optionalInt(raw string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
