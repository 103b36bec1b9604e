// Package rest exposes the event-DB query processor over HTTP: the
// three per-zone search resources plus the aggregated views. It does
// auth extraction only; access scoping comes from the authdb graph.
package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"github.com/n6hub/n6pipe/internal/authdb"
	"github.com/n6hub/n6pipe/internal/event"
	"github.com/n6hub/n6pipe/internal/eventdb"
	"github.com/n6hub/n6pipe/internal/metrics"
)

type Server struct {
	Store *eventdb.Store
	Graph *authdb.Graph
	Log   zerolog.Logger
}

// Router assembles the API. All data endpoints sit behind the bearer
// auth middleware.
func (s *Server) Router(jwtSecret []byte) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Auth(jwtSecret))

		r.Get("/report/inside", s.search(eventdb.ZoneInside))
		r.Get("/report/threats", s.search(eventdb.ZoneThreats))
		r.Get("/search/events", s.search(eventdb.ZoneSearch))

		r.Get("/events-counts", s.eventsCounts)
		r.Get("/events-histogram", s.eventsHistogram)
		r.Get("/daily-events-counts", s.dailyCounts)
		r.Get("/names-ranking", s.namesRanking)
	})
	return r
}

type errResponse struct {
	Error string `json:"error"`
}

func (s *Server) renderErr(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errResponse{Error: msg})
}

func (s *Server) search(zone eventdb.AccessZone) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := authData(r.Context())
		if auth == nil || !auth.HasZone(zone) {
			s.renderErr(w, r, http.StatusForbidden, "no access to zone "+string(zone))
			return
		}

		params, err := parseParams(r.URL.Query())
		if err != nil {
			s.renderErr(w, r, http.StatusBadRequest, err.Error())
			return
		}

		// For the inside zone the client param must be absent; the
		// single client org id comes from the auth data.
		if zone == eventdb.ZoneInside {
			if len(params.Clients) > 0 {
				s.renderErr(w, r, http.StatusBadRequest, "client param not allowed for report/inside")
				return
			}
			params.Clients = []string{auth.OrgID}
		}

		conds, err := s.Graph.AccessConditions(auth.OrgID, zone)
		if err != nil {
			s.renderErr(w, r, http.StatusForbidden, err.Error())
			return
		}

		results := make([]*eventdb.Result, 0, 64)
		err = s.Store.Search(r.Context(), eventdb.Query{
			Zone:        zone,
			Params:      params,
			AccessConds: conds,
		}, func(res *eventdb.Result) error {
			results = append(results, res)
			return nil
		})
		if err != nil {
			var dbErr *eventdb.EventDatabaseError
			if errors.As(err, &dbErr) {
				s.Log.Error().Err(err).Msg("search failed")
				s.renderErr(w, r, http.StatusInternalServerError, "event database error")
				return
			}
			s.renderErr(w, r, http.StatusBadRequest, err.Error())
			return
		}

		render.JSON(w, r, results)
	}
}

// since reads the "since" param, defaulting to 30 days back.
func (s *Server) since(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Now().UTC().AddDate(0, 0, -30), nil
	}
	return parseTime(raw)
}

func (s *Server) eventsCounts(w http.ResponseWriter, r *http.Request) {
	since, err := s.since(r)
	if err != nil {
		s.renderErr(w, r, http.StatusBadRequest, err.Error())
		return
	}
	counts, err := s.Store.EventsCounts(r.Context(), since)
	if err != nil {
		s.Log.Error().Err(err).Msg("events counts failed")
		s.renderErr(w, r, http.StatusInternalServerError, "event database error")
		return
	}
	render.JSON(w, r, counts)
}

func (s *Server) eventsHistogram(w http.ResponseWriter, r *http.Request) {
	since, err := s.since(r)
	if err != nil {
		s.renderErr(w, r, http.StatusBadRequest, err.Error())
		return
	}
	top, err := s.Store.MostFrequentCategories(r.Context(), since)
	if err != nil {
		s.Log.Error().Err(err).Msg("events histogram failed")
		s.renderErr(w, r, http.StatusInternalServerError, "event database error")
		return
	}
	render.JSON(w, r, top)
}

func (s *Server) dailyCounts(w http.ResponseWriter, r *http.Request) {
	since, err := s.since(r)
	if err != nil {
		s.renderErr(w, r, http.StatusBadRequest, err.Error())
		return
	}
	daily, err := s.Store.DailyCounts(r.Context(), since)
	if err != nil {
		s.Log.Error().Err(err).Msg("daily counts failed")
		s.renderErr(w, r, http.StatusInternalServerError, "event database error")
		return
	}
	render.JSON(w, r, daily)
}

func (s *Server) namesRanking(w http.ResponseWriter, r *http.Request) {
	since, err := s.since(r)
	if err != nil {
		s.renderErr(w, r, http.StatusBadRequest, err.Error())
		return
	}
	category := event.Category(r.URL.Query().Get("category"))
	if !category.Valid() {
		s.renderErr(w, r, http.StatusBadRequest, "unknown category")
		return
	}
	ranking, err := s.Store.NamesRanking(r.Context(), since, category)
	if err != nil {
		s.Log.Error().Err(err).Msg("names ranking failed")
		s.renderErr(w, r, http.StatusInternalServerError, "event database error")
		return
	}
	render.JSON(w, r, ranking)
}
