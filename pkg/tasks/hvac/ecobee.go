package hvac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/storage"
)

const (
	// ecobeeExpiredCode is the in-body status the API answers with when
	// the access token has expired.
	ecobeeExpiredCode = 14

	ecobeeCacheTTL    = 3 * time.Second
	stateCacheKey     = "state"
	sensorsCacheKey   = "sensors"
	ecobeeTokenMargin = time.Minute
)

// Ecobee drives an Ecobee thermostat through its REST API. The PIN
// authorization happens out of band; this driver picks the OAuth token
// pair up from storage and keeps it fresh through the refresh flow,
// persisting every rotation.
type Ecobee struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	deviceID string
	db       storage.Database

	mu     sync.Mutex
	tokens ecobeeTokens

	reads *cache.Cache
}

var _ Driver = (*Ecobee)(nil)

type ecobeeTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// NewEcobee returns a driver for the thermostat at deviceID. db holds the
// OAuth token pair under the hvac service.
func NewEcobee(baseURL, apiKey, deviceID string, db storage.Database) *Ecobee {
	return &Ecobee{
		client:   common.HTTPClient(10 * time.Second),
		baseURL:  baseURL,
		apiKey:   apiKey,
		deviceID: deviceID,
		db:       db,
		reads:    cache.New(ecobeeCacheTTL, time.Minute),
	}
}

func configuredEcobee(db storage.Database) *Ecobee {
	apiURL := lflag.String("hvac-api-url", "https://api.ecobee.com",
		"base URL of the thermostat cloud API")
	apiKey := lflag.RequiredString("hvac-api-key", "application key of the thermostat API")
	deviceID := lflag.RequiredString("hvac-device-id", "identifier of the thermostat")

	e := NewEcobee("", "", "", db)
	lflag.Do(func() {
		e.baseURL = *apiURL
		e.apiKey = *apiKey
		e.deviceID = *deviceID
	})
	return e
}

// ensureToken returns a usable access token, refreshing and persisting
// the pair when needed. Callers must hold mu.
func (e *Ecobee) ensureToken(ctx context.Context) (string, error) {
	if e.tokens.AccessToken != "" && time.Now().Before(e.tokens.ExpiresAt) {
		return e.tokens.AccessToken, nil
	}
	if e.tokens.RefreshToken == "" {
		var t ecobeeTokens
		if err := storage.LoadState(ctx, e.db, StorageService, TokensKey, &t); err != nil {
			return "", fmt.Errorf("no thermostat authorization on file: %w", err)
		}
		e.tokens = t
		if t.AccessToken != "" && time.Now().Before(t.ExpiresAt) {
			return t.AccessToken, nil
		}
	}
	return e.refreshTokens(ctx)
}

type ecobeeTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// refreshTokens trades the refresh token for a fresh pair. Callers must
// hold mu.
func (e *Ecobee) refreshTokens(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("grant_type", "refresh_token")
	q.Set("code", e.tokens.RefreshToken)
	q.Set("client_id", e.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/token?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refreshing tokens: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refreshing tokens: status %d", resp.StatusCode)
	}
	var tr ecobeeTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("refresh returned no access token")
	}
	e.tokens = ecobeeTokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		// Renew a little early so a token never expires mid-request.
		ExpiresAt: time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - ecobeeTokenMargin),
	}
	if err := storage.SaveState(ctx, e.db, StorageService, TokensKey, e.tokens); err != nil {
		log.Ctx(ctx).Warn("persisting thermostat tokens", slog.Any("error", err))
	}
	return e.tokens.AccessToken, nil
}

type ecobeeStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// doRequest performs an authenticated call. Two attempts, because the
// API reports an expired token either as a 401 or as status code 14 in
// an otherwise failing body.
func (e *Ecobee) doRequest(ctx context.Context, method, path string, body, dest any) error {
	for i := 0; i < 2; i++ {
		e.mu.Lock()
		token, err := e.ensureToken(ctx)
		e.mu.Unlock()
		if err != nil {
			return err
		}

		var reqBody io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reqBody = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		raw, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return err
		}

		var probe struct {
			Status ecobeeStatus `json:"status"`
		}
		_ = json.Unmarshal(raw, &probe)
		if resp.StatusCode == http.StatusUnauthorized || probe.Status.Code == ecobeeExpiredCode {
			log.Ctx(ctx).Debug("thermostat token expired")
			e.mu.Lock()
			e.tokens.AccessToken = ""
			e.mu.Unlock()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("thermostat api status %d: %s", resp.StatusCode, probe.Status.Message)
		}
		if probe.Status.Code != 0 {
			return fmt.Errorf("thermostat api error %d: %s", probe.Status.Code, probe.Status.Message)
		}
		if dest != nil {
			return json.Unmarshal(raw, dest)
		}
		return nil
	}
	return fmt.Errorf("thermostat kept rejecting the token")
}

type ecobeeSelection struct {
	SelectionType          string `json:"selectionType"`
	SelectionMatch         string `json:"selectionMatch"`
	IncludeSettings        bool   `json:"includeSettings,omitempty"`
	IncludeEvents          bool   `json:"includeEvents,omitempty"`
	IncludeEquipmentStatus bool   `json:"includeEquipmentStatus,omitempty"`
	IncludeSensors         bool   `json:"includeSensors,omitempty"`
}

type ecobeeEvent struct {
	Type    string `json:"type"`
	Running bool   `json:"running"`
}

type ecobeeThermostat struct {
	Identifier string `json:"identifier"`
	Settings   struct {
		HVACMode string `json:"hvacMode"`
	} `json:"settings"`
	Events          []ecobeeEvent `json:"events"`
	EquipmentStatus string        `json:"equipmentStatus"`
	RemoteSensors   []struct {
		Name       string `json:"name"`
		Capability []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"capability"`
	} `json:"remoteSensors"`
}

func (e *Ecobee) thermostat(ctx context.Context, sel ecobeeSelection) (ecobeeThermostat, error) {
	sel.SelectionType = "registered"
	raw, err := json.Marshal(struct {
		Selection ecobeeSelection `json:"selection"`
	}{Selection: sel})
	if err != nil {
		return ecobeeThermostat{}, err
	}
	var list struct {
		ThermostatList []ecobeeThermostat `json:"thermostatList"`
	}
	if err := e.doRequest(ctx, http.MethodGet, "/1/thermostat?json="+url.QueryEscape(string(raw)), nil, &list); err != nil {
		return ecobeeThermostat{}, err
	}
	for _, t := range list.ThermostatList {
		if t.Identifier == e.deviceID {
			return t, nil
		}
	}
	return ecobeeThermostat{}, fmt.Errorf("thermostat %s not in account", e.deviceID)
}

// State reports mode, hold and equipment activity, cached for a few
// seconds against the scheduler's probe burst.
func (e *Ecobee) State(ctx context.Context) (State, error) {
	if cached, ok := e.reads.Get(stateCacheKey); ok {
		return cached.(State), nil
	}
	t, err := e.thermostat(ctx, ecobeeSelection{
		IncludeSettings:        true,
		IncludeEvents:          true,
		IncludeEquipmentStatus: true,
	})
	if err != nil {
		return State{}, err
	}
	st := State{
		Mode: t.Settings.HVACMode,
		OnHold: lo.SomeBy(t.Events, func(ev ecobeeEvent) bool {
			return ev.Type == "hold" && ev.Running
		}),
		Active: t.EquipmentStatus != "" && t.EquipmentStatus != "fan",
	}
	e.reads.Set(stateCacheKey, st, cache.DefaultExpiration)
	return st, nil
}

// Temperatures reads every remote sensor. The API reports tenths of °F
// as strings.
func (e *Ecobee) Temperatures(ctx context.Context) (map[string]float64, error) {
	if cached, ok := e.reads.Get(sensorsCacheKey); ok {
		return cached.(map[string]float64), nil
	}
	t, err := e.thermostat(ctx, ecobeeSelection{IncludeSensors: true})
	if err != nil {
		return nil, err
	}
	temps := make(map[string]float64, len(t.RemoteSensors))
	for _, s := range t.RemoteSensors {
		for _, c := range s.Capability {
			if c.Type != "temperature" {
				continue
			}
			v, err := strconv.ParseFloat(c.Value, 64)
			if err != nil {
				continue
			}
			temps[s.Name] = v / 10
		}
	}
	e.reads.Set(sensorsCacheKey, temps, cache.DefaultExpiration)
	return temps, nil
}

type ecobeeFunction struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

func (e *Ecobee) callFunction(ctx context.Context, fn ecobeeFunction) error {
	body := struct {
		Selection ecobeeSelection  `json:"selection"`
		Functions []ecobeeFunction `json:"functions"`
	}{
		Selection: ecobeeSelection{SelectionType: "registered"},
		Functions: []ecobeeFunction{fn},
	}
	if err := e.doRequest(ctx, http.MethodPost, "/1/thermostat", body, nil); err != nil {
		return err
	}
	e.reads.Delete(stateCacheKey)
	return nil
}

// Hold pins the setpoints. The API counts holds in whole hours, so the
// duration rounds up.
func (e *Ecobee) Hold(ctx context.Context, heat, cool float64, d time.Duration) error {
	hours := int(math.Ceil(d.Hours()))
	if hours < 1 {
		hours = 1
	}
	return e.callFunction(ctx, ecobeeFunction{
		Type: "setHold",
		Params: map[string]any{
			"holdType":     "holdHours",
			"holdHours":    hours,
			"heatHoldTemp": int(math.Round(heat * 10)),
			"coolHoldTemp": int(math.Round(cool * 10)),
		},
	})
}

// Resume drops the hold and returns to the program.
func (e *Ecobee) Resume(ctx context.Context) error {
	return e.callFunction(ctx, ecobeeFunction{
		Type:   "resumeProgram",
		Params: map[string]any{"resumeAll": false},
	})
}
