package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robol/tecnosystemi/internal/proair"
	"github.com/robol/tecnosystemi/internal/store"
)

// Config holds coordinator configuration.
type Config struct {
	// PIN is the shared secret configured on the control units.
	PIN string
	// PINs overrides the PIN per control-unit serial.
	PINs map[string]string
	// PollInterval is the delay between state sweeps. Default 60s.
	PollInterval time.Duration
	// SweepTimeout bounds one full sweep across all units. Default 30s.
	SweepTimeout time.Duration
}

// Coordinator owns the cloud session and keeps the store and event bus in
// sync with the live state of all control units. All state mutations pass
// through it.
type Coordinator struct {
	client *proair.Client
	store  store.Store
	events *EventBus
	logger *slog.Logger
	config Config

	mu          sync.RWMutex
	plants      []proair.Plant
	units       map[string]proair.ControlUnit       // serial -> unit
	states      map[string]*proair.ControlUnitState // serial -> last poll result
	plantOf     map[string]int                      // serial -> plant id
	online      bool
	lastPoll    time.Time
	lastSuccess time.Time
	pollErrs    int

	refreshCh chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a new Coordinator.
func New(client *proair.Client, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		client:    client,
		store:     st,
		events:    events,
		logger:    logger,
		config:    cfg,
		units:     make(map[string]proair.ControlUnit),
		states:    make(map[string]*proair.ControlUnitState),
		plantOf:   make(map[string]int),
		refreshCh: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Store returns the persistence layer.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Start logs in, discovers the account's control units, runs an initial
// sweep and launches the poll loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("logging in to cloud...")
	if err := c.client.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.setOnline(true)
	c.saveLoginIdentity()

	if err := c.discover(ctx); err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	sweepCtx, cancel := context.WithTimeout(ctx, c.config.SweepTimeout)
	if err := c.sweep(sweepCtx); err != nil {
		c.logger.Warn("initial sweep failed", "error", err)
	}
	cancel()

	c.wg.Add(1)
	go c.pollLoop()
	return nil
}

// Stop terminates the poll loop and waits for it to finish.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// saveLoginIdentity records the cloud user id on the persisted identity.
// Failures only cost the metadata, not the session.
func (c *Coordinator) saveLoginIdentity() {
	id, err := c.store.GetIdentity()
	if err != nil || id.UserID == c.client.UserID() {
		return
	}
	id.UserID = c.client.UserID()
	if err := c.store.SaveIdentity(id); err != nil {
		c.logger.Warn("save login identity", "error", err)
	}
}

// discover fetches the plant list and registers every control unit. Units
// that disappeared from the account are kept in the store until deleted
// explicitly.
func (c *Coordinator) discover(ctx context.Context) error {
	plants, err := c.client.Plants(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.plants = plants
	for _, p := range plants {
		for _, u := range p.Units {
			c.units[u.Serial] = u
			c.plantOf[u.Serial] = p.ID
		}
	}
	c.mu.Unlock()

	now := time.Now()
	for _, p := range plants {
		for _, u := range p.Units {
			ctl, err := c.store.GetController(u.Serial)
			if errors.Is(err, store.ErrNotFound) {
				ctl = &store.Controller{
					Serial:       u.Serial,
					DiscoveredAt: now,
				}
				c.logger.Info("control unit discovered", "serial", u.Serial, "name", u.Name, "plant", p.Name)
			} else if err != nil {
				return err
			}
			ctl.Name = u.Name
			ctl.PlantID = p.ID
			ctl.PlantName = p.Name
			ctl.FWVer = u.FWVer
			ctl.LastSyncUpd = u.LastSyncUpd
			if err := c.store.SaveController(ctl); err != nil {
				return err
			}
		}
	}
	c.logger.Info("discovery complete", "plants", len(plants), "units", len(c.units))
	return nil
}

// pollLoop sweeps all units every PollInterval and on demand via
// RequestRefresh.
func (c *Coordinator) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.refreshCh:
		}
		c.runSweep()
	}
}

// runSweep performs one bounded sweep, retrying once on timeout. The cloud
// stalls occasionally and a fresh attempt usually goes through.
func (c *Coordinator) runSweep() {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.SweepTimeout)
	err := c.sweep(ctx)
	cancel()

	if err != nil && errors.Is(err, context.DeadlineExceeded) && c.ctx.Err() == nil {
		c.logger.Warn("sweep timed out, retrying", "error", err)
		ctx, cancel = context.WithTimeout(c.ctx, c.config.SweepTimeout)
		err = c.sweep(ctx)
		cancel()
	}

	c.mu.Lock()
	c.lastPoll = time.Now()
	if err != nil {
		c.pollErrs++
	} else {
		c.pollErrs = 0
		c.lastSuccess = c.lastPoll
	}
	errCount := c.pollErrs
	c.mu.Unlock()

	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Error("poll sweep failed", "error", err, "consecutive", errCount)
		c.events.Emit(Event{Type: EventPollFailed, Data: map[string]interface{}{
			"error":       err.Error(),
			"consecutive": errCount,
		}})
		if errCount >= 3 {
			c.setOnline(false)
		}
		return
	}
	c.setOnline(true)
	c.events.Emit(Event{Type: EventPollOK, Data: map[string]interface{}{
		"units": len(c.unitList()),
	}})
}

// sweep fetches the state of every known unit and applies it.
func (c *Coordinator) sweep(ctx context.Context) error {
	var firstErr error
	for _, u := range c.unitList() {
		state, err := c.unitState(ctx, u)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("unit %s: %w", u.Serial, err)
			}
			continue
		}
		if err := c.applyState(u, state); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unit %s: %w", u.Serial, err)
		}
	}
	return firstErr
}

// unitState fetches one unit's state, re-logging in and retrying once when
// the session was invalidated. The vendor mobile app steals the session
// whenever someone opens it, so this is a routine occurrence.
func (c *Coordinator) unitState(ctx context.Context, u proair.ControlUnit) (*proair.ControlUnitState, error) {
	state, err := c.client.UnitState(ctx, u.Serial, c.pin(u.Serial))
	if err == nil || ctx.Err() != nil {
		return state, err
	}
	if !sessionError(err) {
		return nil, err
	}
	c.logger.Info("session invalidated, re-logging in", "serial", u.Serial)
	if err := c.client.Login(ctx); err != nil {
		return nil, fmt.Errorf("re-login: %w", err)
	}
	return c.client.UnitState(ctx, u.Serial, c.pin(u.Serial))
}

// sessionError reports whether err is a response the cloud refused to
// serve under the current session. The cloud does not answer a stolen or
// expired session with any one status code, so every HTTP-level rejection
// gets the single re-login. Transport failures do not.
func sessionError(err error) bool {
	var apiErr *proair.APIError
	var statusErr *proair.StatusError
	return errors.Is(err, proair.ErrNoSession) ||
		errors.As(err, &apiErr) ||
		errors.As(err, &statusErr)
}

// applyState persists a fresh unit state and emits change events keyed on
// the previous snapshot.
func (c *Coordinator) applyState(u proair.ControlUnit, state *proair.ControlUnitState) error {
	c.mu.Lock()
	prev := c.states[u.Serial]
	c.states[u.Serial] = state
	plantID := c.plantOf[u.Serial]
	c.mu.Unlock()

	now := time.Now()

	ctl, err := c.store.GetController(u.Serial)
	if errors.Is(err, store.ErrNotFound) {
		ctl = &store.Controller{Serial: u.Serial, PlantID: plantID, DiscoveredAt: now}
	} else if err != nil {
		return err
	}
	ctl.Name = state.Name
	ctl.FWVer = state.FWVer
	ctl.IP = state.IP
	ctl.IsOff = state.IsOff
	ctl.Mode = string(state.Mode())
	ctl.DuctTemp = proair.Celsius(state.DuctTemp)
	ctl.NumErrors = state.NumErrors
	ctl.LastSyncUpd = state.LastSyncUpdate
	ctl.LastSeen = now
	if err := c.store.SaveController(ctl); err != nil {
		return err
	}

	if prev == nil || prev.IsOff != state.IsOff {
		c.emitController(u.Serial, "power", !state.IsOff)
	}
	if prev == nil || prev.Mode() != state.Mode() {
		c.emitController(u.Serial, "mode", string(state.Mode()))
	}
	if prev == nil || prev.DuctTemp != state.DuctTemp {
		c.emitController(u.Serial, "duct_temperature", proair.Celsius(state.DuctTemp))
	}
	if prev != nil && prev.NumErrors != state.NumErrors {
		c.emitController(u.Serial, "num_errors", state.NumErrors)
	}

	for _, zs := range state.Zones {
		if err := c.applyZone(plantID, u.Serial, prevZone(prev, zs.ZoneID), zs, now); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) emitController(serial, property string, value interface{}) {
	c.events.Emit(Event{Type: EventControllerUpdate, Data: map[string]interface{}{
		"serial":   serial,
		"property": property,
		"value":    value,
	}})
}

func prevZone(prev *proair.ControlUnitState, zoneID int) *proair.ZoneState {
	if prev == nil {
		return nil
	}
	for i := range prev.Zones {
		if prev.Zones[i].ZoneID == zoneID {
			return &prev.Zones[i]
		}
	}
	return nil
}

func (c *Coordinator) applyZone(plantID int, serial string, prev *proair.ZoneState, zs proair.ZoneState, now time.Time) error {
	key := ZoneKey(plantID, serial, zs.ZoneID)

	z, err := c.store.GetZone(key)
	if errors.Is(err, store.ErrNotFound) {
		z = &store.Zone{
			Key:     key,
			Serial:  serial,
			PlantID: plantID,
			ZoneID:  zs.ZoneID,
		}
		c.logger.Info("zone discovered", "key", key, "name", zs.Name)
	} else if err != nil {
		return err
	}
	z.Name = zs.Name
	z.IsOff = zs.IsOff
	z.IsMaster = zs.IsMaster
	z.Temperature = proair.Celsius(zs.Temp)
	z.SetTemp = proair.Celsius(zs.SetTemp)
	z.Humidity = float64(zs.Humidity) / 10.0
	z.Shutter = proair.ShutterPercent(zs.Shutter)
	z.ShutterAuto = proair.ShutterAuto(zs.Shutter)
	z.FanMode = string(proair.FanModeFromShutter(zs.ShutterSet))
	z.LastSeen = now
	if err := c.store.SaveZone(z); err != nil {
		return err
	}

	emit := func(property string, value interface{}) {
		c.events.Emit(Event{Type: EventZoneUpdate, Data: map[string]interface{}{
			"key":      key,
			"serial":   serial,
			"zone_id":  zs.ZoneID,
			"property": property,
			"value":    value,
		}})
	}
	if prev == nil || prev.Temp != zs.Temp {
		emit("temperature", proair.Celsius(zs.Temp))
	}
	if prev == nil || prev.SetTemp != zs.SetTemp {
		emit("target_temperature", proair.Celsius(zs.SetTemp))
	}
	if prev == nil || prev.Humidity != zs.Humidity {
		emit("humidity", float64(zs.Humidity)/10.0)
	}
	if prev == nil || prev.IsOff != zs.IsOff {
		emit("power", !zs.IsOff)
	}
	if prev == nil || prev.ShutterSet != zs.ShutterSet {
		emit("fan_mode", string(proair.FanModeFromShutter(zs.ShutterSet)))
	}
	if prev == nil || prev.Shutter != zs.Shutter {
		emit("shutter", proair.ShutterPercent(zs.Shutter))
	}
	return nil
}

// ZoneKey builds the canonical zone identifier.
func ZoneKey(plantID int, serial string, zoneID int) string {
	return fmt.Sprintf("%d_%s_%d", plantID, serial, zoneID)
}

// RequestRefresh schedules an immediate sweep. Non-blocking; a sweep
// already pending absorbs the request.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// pin resolves the PIN for a serial, honoring per-unit overrides.
func (c *Coordinator) pin(serial string) string {
	if p, ok := c.config.PINs[serial]; ok {
		return p
	}
	return c.config.PIN
}

func (c *Coordinator) unitList() []proair.ControlUnit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	units := make([]proair.ControlUnit, 0, len(c.units))
	for _, u := range c.units {
		units = append(units, u)
	}
	return units
}

func (c *Coordinator) unit(serial string) (proair.ControlUnit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.units[serial]
	return u, ok
}

// UnitSnapshot returns the last polled state of a unit, nil if never seen.
func (c *Coordinator) UnitSnapshot(serial string) *proair.ControlUnitState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[serial]
}

func (c *Coordinator) setOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	c.mu.Unlock()
	if changed {
		state := "online"
		if !online {
			state = "offline"
		}
		c.logger.Info("bridge state changed", "state", state)
		c.events.Emit(Event{Type: EventBridgeState, Data: state})
	}
}

// Status summarizes the bridge for the API and UI.
type Status struct {
	Online      bool      `json:"online"`
	Units       int       `json:"units"`
	Zones       int       `json:"zones"`
	LastPoll    time.Time `json:"last_poll"`
	LastSuccess time.Time `json:"last_success"`
	PollErrors  int       `json:"poll_errors"`
	UserID      int       `json:"user_id,omitempty"`
	APIRequests uint64    `json:"api_requests"`
	APIErrors   uint64    `json:"api_errors"`
}

// Status returns the current bridge status.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	zones := 0
	for _, s := range c.states {
		zones += len(s.Zones)
	}
	requests, apiErrs := c.client.Stats()
	return Status{
		Online:      c.online,
		Units:       len(c.units),
		Zones:       zones,
		LastPoll:    c.lastPoll,
		LastSuccess: c.lastSuccess,
		PollErrors:  c.pollErrs,
		UserID:      c.client.UserID(),
		APIRequests: requests,
		APIErrors:   apiErrs,
	}
}
