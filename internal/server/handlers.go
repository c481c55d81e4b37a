package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sllopis/geoquery/doccodec"
	"github.com/sllopis/geoquery/geohash"
	"github.com/sllopis/geoquery/query"
	"github.com/sllopis/geoquery/store"
)

type api struct {
	st        store.Store
	eng       *query.Engine
	codec     doccodec.Codec
	log       zerolog.Logger
	opTimeout time.Duration
}

type queryResponse struct {
	Results []resultItem `json:"results"`
}

type resultItem struct {
	ID         string         `json:"id"`
	DistanceKm *float64       `json:"distance_km,omitempty"`
	Location   locationBody   `json:"location"`
	Data       map[string]any `json:"data"`
}

type locationBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (a *api) opCtx(r *http.Request) (context.Context, context.CancelFunc) {
	if a.opTimeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), a.opTimeout)
}

func (a *api) putDocument(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	fields, err := a.codec.EncodeForWrite(payload)
	if err != nil {
		writeErr(w, err)
		return
	}

	ctx, cancel := a.opCtx(r)
	defer cancel()
	if err := a.st.Put(ctx, collection, store.Document{ID: id, Fields: fields}); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) deleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.opCtx(r)
	defer cancel()
	if err := a.st.Delete(ctx, chi.URLParam(r, "collection"), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) runQuery(w http.ResponseWriter, r *http.Request) {
	criteria, filters, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := a.opCtx(r)
	defer cancel()
	recs, err := a.eng.Query(ctx, chi.URLParam(r, "collection"), criteria, filters)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := queryResponse{Results: make([]resultItem, 0, len(recs))}
	for _, rec := range recs {
		item := resultItem{
			ID:       rec.ID,
			Location: locationBody{Latitude: rec.Location.Latitude, Longitude: rec.Location.Longitude},
			Data:     rec.Data,
		}
		if !math.IsNaN(rec.DistanceKm) {
			d := rec.DistanceKm
			item.DistanceKm = &d
		}
		resp.Results = append(resp.Results, item)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.log.Warn().Err(err).Msg("encode query response")
	}
}

// parseQuery reads ?lat=&lng=&radius=&limit= plus repeated
// ?filter=field:value equality filters. lat, lng and radius come as a
// trio or not at all.
func parseQuery(r *http.Request) (query.Criteria, []store.Filter, error) {
	q := r.URL.Query()
	var c query.Criteria

	latS, lngS, radS := q.Get("lat"), q.Get("lng"), q.Get("radius")
	if latS != "" || lngS != "" || radS != "" {
		if latS == "" || lngS == "" || radS == "" {
			return c, nil, errors.New("lat, lng and radius are required together")
		}
		lat, err := strconv.ParseFloat(latS, 64)
		if err != nil {
			return c, nil, errors.New("invalid lat")
		}
		lng, err := strconv.ParseFloat(lngS, 64)
		if err != nil {
			return c, nil, errors.New("invalid lng")
		}
		rad, err := strconv.ParseFloat(radS, 64)
		if err != nil {
			return c, nil, errors.New("invalid radius")
		}
		c.Center = &geohash.Point{Latitude: lat, Longitude: lng}
		c.RadiusKm = rad
	}

	if limitS := q.Get("limit"); limitS != "" {
		limit, err := strconv.Atoi(limitS)
		if err != nil || limit < 0 {
			return c, nil, errors.New("invalid limit")
		}
		c.Limit = limit
	}

	var filters []store.Filter
	for _, f := range q["filter"] {
		field, value, ok := strings.Cut(f, ":")
		if !ok || field == "" {
			return c, nil, errors.New("filter must be field:value")
		}
		filters = append(filters, store.Filter{Field: field, Value: value})
	}
	return c, filters, nil
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, geohash.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
