package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/driver-availability/internal/matcher"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/notify"
	"github.com/example/driver-availability/internal/status"
)

type transitionBody struct {
	TargetStatus string  `json:"target_status"`
	Reason       string  `json:"reason"`
	Location     *locDTO `json:"location"`
}

type locDTO struct {
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Heading   *float64 `json:"heading,omitempty"`
	SpeedKmh  *float64 `json:"speed_kmh,omitempty"`
	AccuracyM *float64 `json:"accuracy_m,omitempty"`
}

func (s *Server) handleRequestTransition(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var body transitionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	req := status.TransitionRequest{
		DriverID: driverID,
		Target:   models.Status(body.TargetStatus),
		Actor:    actorFromContext(r.Context()),
		Reason:   body.Reason,
	}
	if body.Location != nil {
		req.Location = &status.LocationUpdate{
			Loc:       models.Coord{Lat: body.Location.Lat, Lon: body.Location.Lon},
			Heading:   body.Location.Heading,
			SpeedKmh:  body.Location.SpeedKmh,
			AccuracyM: body.Location.AccuracyM,
		}
	}

	res, err := s.engine.RequestTransition(r.Context(), req)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"previous_status": res.Previous,
		"new_status":      res.New,
		"location":        res.Location,
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	cs, err := s.engine.GetCurrentStatus(r.Context(), driverID)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)
	recs, err := s.engine.GetStatusHistory(r.Context(), driverID, limit, offset)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"driver_id": driverID,
		"records":   recs,
		"limit":     limit,
		"offset":    offset,
	})
}

func (s *Server) handleQueryAvailable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := matcher.Filter{
		RegionID:    q.Get("region"),
		ServiceType: q.Get("service_type"),
		Limit:       intQuery(r, "limit", 20),
	}
	if latS, lonS := q.Get("lat"), q.Get("lon"); latS != "" && lonS != "" {
		lat, errLat := strconv.ParseFloat(latS, 64)
		lon, errLon := strconv.ParseFloat(lonS, 64)
		if errLat != nil || errLon != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid lat/lon")
			return
		}
		f.Center = &models.Coord{Lat: lat, Lon: lon}
		if rs := q.Get("radius_km"); rs != "" {
			radius, err := strconv.ParseFloat(rs, 64)
			if err != nil || radius <= 0 {
				writeError(w, http.StatusBadRequest, "bad_request", "invalid radius_km")
				return
			}
			f.RadiusKm = radius
		}
	}

	res, err := s.matcher.QueryAvailableDrivers(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

var upgrader = websocket.Upgrader{}

// WSHandler upgrades a subscriber connection onto a fan-out channel
// (driver:<id>, region:<id>, role:safety). The read loop only drains control
// frames; events flow one way.
func WSHandler(registry *notify.WSRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := mux.Vars(r)["channel"]
		if channel == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := registry.Subscribe(channel, conn)
		go func() {
			defer func() {
				registry.Unsubscribe(channel, sess)
				_ = conn.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}

// writeTransitionError maps the engine's error taxonomy onto status codes:
// business-rule rejections are 4xx with a reason, transient store failures
// are 503 and retryable.
func writeTransitionError(w http.ResponseWriter, err error) {
	var te *status.TransitionError
	detail := err.Error()
	if errors.As(err, &te) {
		detail = te.Error()
	}
	switch {
	case errors.Is(err, status.ErrDriverNotFound):
		writeError(w, http.StatusNotFound, "driver_not_found", detail)
	case errors.Is(err, status.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", detail)
	case errors.Is(err, status.ErrGuardViolation):
		writeError(w, http.StatusConflict, "guard_violation", detail)
	case errors.Is(err, status.ErrInsufficientPermission):
		writeError(w, http.StatusForbidden, "insufficient_permission", detail)
	default:
		writeError(w, http.StatusServiceUnavailable, "transient", "temporarily unable to process, retry with backoff")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason, detail string) {
	writeJSON(w, code, map[string]string{"error": reason, "detail": detail})
}

func intQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
