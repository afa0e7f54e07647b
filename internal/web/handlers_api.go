package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/robol/tecnosystemi/internal/coordinator"
	"github.com/robol/tecnosystemi/internal/proair"
	"github.com/robol/tecnosystemi/internal/store"
)

func (s *Server) handleAPIBridge(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	s.coord.RequestRefresh()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIListControllers(w http.ResponseWriter, r *http.Request) {
	controllers, err := s.coord.Store().ListControllers()
	if err != nil {
		s.logger.Error("list controllers", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if controllers == nil {
		controllers = []*store.Controller{}
	}
	s.writeJSON(w, http.StatusOK, controllers)
}

func (s *Server) handleAPIGetController(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	ctl, err := s.coord.Store().GetController(serial)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "controller not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, ctl)
}

// setControllerRequest carries whole-unit settings. All fields optional;
// present fields are applied in order: power, mode, temperature.
type setControllerRequest struct {
	Power       *bool    `json:"power,omitempty"`
	Mode        *string  `json:"mode,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (s *Server) handleAPISetController(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")

	var req setControllerRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Power == nil && req.Mode == nil && req.Temperature == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no settings in request"})
		return
	}

	if req.Power != nil {
		if err := s.coord.SetUnitPower(serial, *req.Power); err != nil {
			s.commandError(w, "set power", serial, err)
			return
		}
	}
	if req.Mode != nil {
		var err error
		if *req.Mode == "off" {
			err = s.coord.SetUnitPower(serial, false)
		} else {
			err = s.coord.SetUnitMode(serial, proair.SystemMode(*req.Mode))
		}
		if err != nil {
			s.commandError(w, "set mode", serial, err)
			return
		}
	}
	if req.Temperature != nil {
		if err := s.coord.SetUnitTemperature(serial, *req.Temperature); err != nil {
			s.commandError(w, "set temperature", serial, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.coord.Store().ListZones()
	if err != nil {
		s.logger.Error("list zones", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if zones == nil {
		zones = []*store.Zone{}
	}
	s.writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleAPIGetZone(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	z, err := s.coord.Store().GetZone(key)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "zone not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, z)
}

// setZoneRequest carries per-zone settings. All fields optional; present
// fields are applied in order: power, temperature, fan mode.
type setZoneRequest struct {
	Power       *bool    `json:"power,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	FanMode     *string  `json:"fan_mode,omitempty"`
}

func (s *Server) handleAPISetZone(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req setZoneRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Power == nil && req.Temperature == nil && req.FanMode == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no settings in request"})
		return
	}

	if req.Power != nil {
		if err := s.coord.SetZonePower(key, *req.Power); err != nil {
			s.commandError(w, "set power", key, err)
			return
		}
	}
	if req.Temperature != nil {
		if err := s.coord.SetZoneTemperature(key, *req.Temperature); err != nil {
			s.commandError(w, "set temperature", key, err)
			return
		}
	}
	if req.FanMode != nil {
		if err := s.coord.SetZoneFanMode(key, proair.FanMode(*req.FanMode)); err != nil {
			s.commandError(w, "set fan mode", key, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type renameZoneRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameZone(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req renameZoneRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.coord.RenameZone(key, req.FriendlyName); err != nil {
		if errors.Is(err, coordinator.ErrUnknownZone) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "zone not found"})
			return
		}
		s.logger.Error("rename zone", "err", err, "key", key)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

// handleAPIDeleteZone drops a stale zone record. The next poll re-creates
// the zone if it still exists on the control unit.
func (s *Server) handleAPIDeleteZone(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.coord.DeleteZone(key); err != nil {
		if errors.Is(err, coordinator.ErrUnknownZone) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error("delete zone", "err", err, "key", key)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIDeleteController drops a controller record and its zones. Units
// still on the account come back on the next discovery.
func (s *Server) handleAPIDeleteController(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if err := s.coord.DeleteController(serial); err != nil {
		if errors.Is(err, coordinator.ErrUnknownUnit) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error("delete controller", "err", err, "serial", serial)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// commandError maps coordinator command failures onto API status codes.
func (s *Server) commandError(w http.ResponseWriter, op, target string, err error) {
	if errors.Is(err, coordinator.ErrUnknownZone) || errors.Is(err, coordinator.ErrUnknownUnit) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Error(op, "err", err, "target", target)
	s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "cloud command failed"})
}
