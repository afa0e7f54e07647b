// Package proair implements the Tecnosystemi ProAir cloud API used by the
// vendor mobile apps: PIN-protected zoned air conditioning behind a
// credential login with a rolling encrypted token.
package proair

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBaseURL is the vendor cloud endpoint.
	DefaultBaseURL = "https://proair.azurewebsites.net"

	// Fixed credentials baked into the mobile apps. The account password
	// never travels in the basic auth header; it is AES-encrypted in the
	// login body instead.
	basicAuthUser = "UsrProAir"
	basicAuthPass = "PwdProAir"

	// The session expires server-side after roughly three hours. Renew
	// well before that.
	sessionTTL = time.Hour
)

// Salt and login token as shipped in the apps, base64 for symmetry with
// the vendor binaries.
var (
	apiSalt    = mustB64("bnM5MXdyNDg=")
	loginToken = mustB64("R2E1bU02MUtDbTVCazE4bGhENUo5OTlqQzJNdTBWYWY=")
)

func mustB64(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// ErrNoSession is returned when a call is attempted without a valid login.
var ErrNoSession = errors.New("proair: no session, login required")

// Config holds client configuration.
type Config struct {
	Username string
	Password string
	// DeviceID is a random 16-hex-char installation id. It keys the AES
	// cipher, so it must stay stable across restarts.
	DeviceID string
	BaseURL  string
	Timeout  time.Duration
}

// Client talks to the ProAir cloud. All calls are serialized: the cloud
// mishandles concurrent requests on one session, and the rolling token
// counter must increase monotonically.
type Client struct {
	baseURL  string
	username string
	password string
	deviceID string
	box      *cipherBox
	http     *http.Client
	logger   *slog.Logger

	reqCount atomic.Uint64
	errCount atomic.Uint64

	mu      sync.Mutex
	session string
	counter int
	expiry  time.Time
	userID  int

	// now is overridable in tests.
	now func() time.Time
}

// NewClient creates a ProAir client. It does not log in; call Login or let
// the first API call do it.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("proair: username and password are required")
	}
	box, err := newCipherBox(cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		username: cfg.Username,
		password: cfg.Password,
		deviceID: cfg.DeviceID,
		box:      box,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With("component", "proair"),
		now:      time.Now,
	}, nil
}

// envelope is the common response wrapper. ResDescr carries a nested JSON
// document as a string on list endpoints.
type envelope struct {
	ResCode  int    `json:"ResCode"`
	ResDescr string `json:"ResDescr"`
}

type loginResponse struct {
	ResCode int    `json:"ResCode"`
	ID      int    `json:"ID"`
	Token   string `json:"Token"`
}

// Login authenticates and stores the rolling session token. A login from
// the vendor mobile app with the same account invalidates this session;
// callers should re-login and retry when calls start failing.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	encPassword, err := c.box.encrypt(c.password)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}

	body := map[string]any{
		"DeviceId":  c.deviceID,
		"Platform":  "fcm2",
		"Password":  encPassword,
		"TokenPush": nil,
		"Username":  c.username,
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/apiTS/v2/Login", body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(basicAuthUser, basicAuthPass)
	req.Header.Set("Token", loginToken)

	c.reqCount.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		c.errCount.Add(1)
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.errCount.Add(1)
		return &StatusError{Op: "login", Status: resp.StatusCode}
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("login: decode response: %w", err)
	}
	if lr.ResCode != 0 {
		c.errCount.Add(1)
		return &APIError{Op: "login", ResCode: lr.ResCode}
	}

	if err := c.storeToken(lr.Token); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.userID = lr.ID
	c.logger.Debug("logged in", "user_id", c.userID)
	return nil
}

// storeToken decrypts "<session>_<counter>" and arms the expiry timer.
func (c *Client) storeToken(token string) error {
	plain, err := c.box.decrypt(token)
	if err != nil {
		return fmt.Errorf("decrypt token: %w", err)
	}
	session, counterStr, ok := strings.Cut(plain, "_")
	if !ok {
		return errors.New("invalid token format")
	}
	counter, err := strconv.Atoi(counterStr)
	if err != nil {
		return fmt.Errorf("invalid token counter: %w", err)
	}
	c.session = session
	c.counter = counter
	c.expiry = c.now().Add(sessionTTL)
	return nil
}

// nextToken increments the counter and encrypts the rolling token,
// re-logging in first if the session is missing or stale.
func (c *Client) nextToken(ctx context.Context) (string, error) {
	if c.session == "" {
		return "", ErrNoSession
	}
	if !c.now().Before(c.expiry) {
		if err := c.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	c.counter++
	return c.box.encrypt(fmt.Sprintf("%s_%d", c.session, c.counter))
}

// Plants returns the account's installations with their control units.
func (c *Client) Plants(ctx context.Context) ([]Plant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var env envelope
	if err := c.doAuthed(ctx, http.MethodGet, "/api/v1/GetPlants", nil, &env); err != nil {
		return nil, err
	}
	if env.ResCode != 0 {
		c.errCount.Add(1)
		return nil, &APIError{Op: "get plants", ResCode: env.ResCode}
	}

	var plants []Plant
	if err := json.Unmarshal([]byte(env.ResDescr), &plants); err != nil {
		return nil, fmt.Errorf("get plants: decode plant list: %w", err)
	}
	return plants, nil
}

// UnitState fetches the live state of one control unit. The PIN is the
// shared secret configured in the vendor apps.
func (c *Client) UnitState(ctx context.Context, serial, pin string) (*ControlUnitState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := "/api/v1/GetCUState?cuSerial=" + url.QueryEscape(serial) + "&PIN=" + url.QueryEscape(pin)
	var state ControlUnitState
	if err := c.doAuthed(ctx, http.MethodGet, path, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// UnitCommand sets control-unit level state, applied to all zones.
type UnitCommand struct {
	Off         bool
	Cooling     bool
	CoolingMode int
	DuctTemp    int // decidegrees
}

// UnitCommandForMode builds a command that switches the unit to mode while
// preserving the rest of prev. Switching to heat keeps the last cooling
// mode code, matching the vendor app.
func UnitCommandForMode(prev *ControlUnitState, mode SystemMode) UnitCommand {
	cmd := UnitCommand{
		Off:         prev.IsOff,
		Cooling:     true,
		CoolingMode: prev.CoolingMode,
		DuctTemp:    prev.DuctTemp,
	}
	switch mode {
	case ModeHeat:
		cmd.Cooling = false
	case ModeDry:
		cmd.CoolingMode = coolingModeDry
	case ModeFanOnly:
		cmd.CoolingMode = coolingModeFan
	default:
		cmd.CoolingMode = coolingModeCool
	}
	return cmd
}

// UpdateUnit sends an upd_cu command to a control unit.
func (c *Client) UpdateUnit(ctx context.Context, unit ControlUnit, pin string, cmd UnitCommand) error {
	coolMod := cmd.CoolingMode
	if coolMod == 0 {
		coolMod = coolingModeCool
	}
	ductTemp := cmd.DuctTemp
	if ductTemp == 0 {
		ductTemp = 230
	}
	payload := map[string]any{
		"c":        "upd_cu",
		"pin":      pin,
		"is_off":   boolFlag(cmd.Off),
		"is_cool":  boolFlag(cmd.Cooling),
		"cool_mod": coolMod,
		"t_can":    ductTemp,
		// Season flags; always 1 in observed traffic.
		"f_inv": 1,
		"f_est": 1,
	}
	body := map[string]any{
		"Serial": unit.Serial,
		"Name":   unit.Name,
		"Pin":    pin,
		"Cmd":    mustJSONString(payload),
	}
	return c.update(ctx, "/api/v1/UpdateCUData", "update unit", body)
}

// ZoneCommand sets per-zone state.
type ZoneCommand struct {
	Off     bool
	SetTemp int // decidegrees
	Name    string
	Shutter int // shu_set/fan_set; 0 leaves the damper untouched
	Chrono  bool
}

// UpdateZone sends an upd_zona command to one zone of a control unit.
func (c *Client) UpdateZone(ctx context.Context, unit ControlUnit, pin string, zoneID int, cmd ZoneCommand) error {
	// The vendor apps send the string "0" unless a fan command picks a
	// number; leave-untouched must stay a string on the wire.
	shutter := any("0")
	if cmd.Shutter != 0 {
		shutter = cmd.Shutter
	}
	payload := map[string]any{
		"c":        "upd_zona",
		"id_zona":  zoneID,
		"pin":      pin,
		"is_off":   boolFlag(cmd.Off),
		"t_set":    strconv.Itoa(cmd.SetTemp),
		"name":     cmd.Name,
		"shu_set":  shutter,
		"fan_set":  shutter,
		"is_crono": boolFlag(cmd.Chrono),
	}
	body := map[string]any{
		"Serial": unit.Serial,
		"Pin":    pin,
		"ZoneId": zoneID,
		"Name":   unit.Name,
		"Cmd":    mustJSONString(payload),
	}
	return c.update(ctx, "/api/v1/UpdateZonaData", "update zone", body)
}

func (c *Client) update(ctx context.Context, path, op string, body map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var env envelope
	if err := c.doAuthed(ctx, http.MethodPost, path, body, &env); err != nil {
		return err
	}
	if env.ResCode != 0 {
		c.errCount.Add(1)
		return &APIError{Op: op, ResCode: env.ResCode}
	}
	return nil
}

// doAuthed performs one authenticated request. Callers hold c.mu.
func (c *Client) doAuthed(ctx context.Context, method, path string, body any, out any) error {
	token, err := c.nextToken(ctx)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, basicAuthPass)
	req.Header.Set("Token", token)

	c.reqCount.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		c.errCount.Add(1)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.errCount.Add(1)
		return &StatusError{Op: method + " " + path, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.errCount.Add(1)
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// HasSession reports whether a login has succeeded and is still fresh.
func (c *Client) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != "" && c.now().Before(c.expiry)
}

// Stats returns the number of cloud HTTP requests made and how many of
// them failed, including calls the cloud rejected with a ResCode.
func (c *Client) Stats() (requests, errors uint64) {
	return c.reqCount.Load(), c.errCount.Load()
}

// UserID returns the account id from the last login, 0 if never logged in.
func (c *Client) UserID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustJSONString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
