package waterheater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/patrickmn/go-cache"

	"github.com/homeshift/homeshift/pkg/common"
)

const (
	aquantaLoginPath = "/login"

	// readCacheTTL bounds how stale water/mode reads may be. The task's
	// minute loop always sees data from the current or previous cycle.
	readCacheTTL = 30 * time.Second

	waterCacheKey      = "water"
	infocenterCacheKey = "infocenter"
	timerCacheKey      = "timer"
)

// Aquanta drives a water heater through the Aquanta cloud portal.
type Aquanta struct {
	client   *http.Client
	baseURL  string
	email    string
	password string
	deviceID int

	mu    sync.Mutex
	token string

	reads *cache.Cache
}

var _ Driver = (*Aquanta)(nil)

// NewAquanta returns a driver for the given portal account and device.
func NewAquanta(baseURL, email, password string, deviceID int) *Aquanta {
	return &Aquanta{
		client:   common.HTTPClient(30 * time.Second),
		baseURL:  baseURL,
		email:    email,
		password: password,
		deviceID: deviceID,
		reads:    cache.New(readCacheTTL, time.Minute),
	}
}

func configuredAquanta() *Aquanta {
	a := NewAquanta("", "", "", 0)
	apiURL := lflag.String("aquanta-api-url", "https://portal.aquanta.io/portal", "base URL of the Aquanta portal API")
	email := lflag.RequiredString("aquanta-email", "email of the Aquanta account")
	password := lflag.RequiredString("aquanta-password", "password of the Aquanta account")
	deviceID := lflag.RequiredString("aquanta-device-id", "numeric ID of the Aquanta device")
	lflag.Do(func() {
		a.baseURL = *apiURL
		a.email = *email
		a.password = *password
		id, err := strconv.Atoi(*deviceID)
		if err != nil {
			panic(fmt.Sprintf("invalid aquanta-device-id: %s", *deviceID))
		}
		a.deviceID = id
	})
	return a
}

type aquantaLoginResponse struct {
	Token string `json:"token"`
}

// login exchanges the account credentials for a bearer token. Callers must
// hold mu.
func (a *Aquanta) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"email":    a.email,
		"password": a.password,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+aquantaLoginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("logging in: unexpected status %d", resp.StatusCode)
	}
	var lr aquantaLoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	if lr.Token == "" {
		return fmt.Errorf("logging in: empty token")
	}
	a.token = lr.Token
	return nil
}

// doRequest performs an authenticated request, logging in first if needed
// and once more if the portal rejects the token.
func (a *Aquanta) doRequest(ctx context.Context, method, path string, reqBody, dest any) error {
	var encoded []byte
	if reqBody != nil {
		var err error
		encoded, err = json.Marshal(reqBody)
		if err != nil {
			return err
		}
	}
	for attempt := 0; attempt < 2; attempt++ {
		a.mu.Lock()
		if a.token == "" {
			if err := a.login(ctx); err != nil {
				a.mu.Unlock()
				return err
			}
		}
		token := a.token
		a.mu.Unlock()

		var body io.Reader
		if encoded != nil {
			body = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
		if err != nil {
			return err
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("requesting %s: %w", path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			a.mu.Lock()
			if a.token == token {
				a.token = ""
			}
			a.mu.Unlock()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return fmt.Errorf("requesting %s: unexpected status %d", path, resp.StatusCode)
		}
		if dest != nil {
			err = json.NewDecoder(resp.Body).Decode(dest)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("requesting %s: token rejected twice", path)
}

func (a *Aquanta) devicePath(suffix string) string {
	return fmt.Sprintf("/devices/%d/%s", a.deviceID, suffix)
}

type aquantaWater struct {
	Temperature float64 `json:"temperature"`
	Available   float64 `json:"available"`
}

func (a *Aquanta) Water(ctx context.Context) (WaterState, error) {
	if cached, ok := a.reads.Get(waterCacheKey); ok {
		return cached.(WaterState), nil
	}
	var aw aquantaWater
	if err := a.doRequest(ctx, http.MethodGet, a.devicePath("water"), nil, &aw); err != nil {
		return WaterState{}, err
	}
	ws := WaterState{Temperature: aw.Temperature, Available: aw.Available}
	a.reads.Set(waterCacheKey, ws, cache.DefaultExpiration)
	return ws, nil
}

type aquantaInfocenter struct {
	CurrentMode struct {
		Type string `json:"type"`
	} `json:"currentMode"`
}

func (a *Aquanta) Mode(ctx context.Context) (string, error) {
	if cached, ok := a.reads.Get(infocenterCacheKey); ok {
		return cached.(string), nil
	}
	var ic aquantaInfocenter
	if err := a.doRequest(ctx, http.MethodGet, a.devicePath("infocenter"), nil, &ic); err != nil {
		return "", err
	}
	a.reads.Set(infocenterCacheKey, ic.CurrentMode.Type, cache.DefaultExpiration)
	return ic.CurrentMode.Type, nil
}

type aquantaOverride struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// setOverride installs or clears a boost/away override. The mode cache is
// dropped so the next Mode call sees the change.
func (a *Aquanta) setOverride(ctx context.Context, method, name string, start, end time.Time) error {
	var body any
	if method == http.MethodPut {
		body = aquantaOverride{
			Start: start.Format(time.RFC3339),
			End:   end.Format(time.RFC3339),
		}
	}
	if err := a.doRequest(ctx, method, a.devicePath(name), body, nil); err != nil {
		return err
	}
	a.reads.Delete(infocenterCacheKey)
	return nil
}

func (a *Aquanta) Boost(ctx context.Context, start, end time.Time) error {
	return a.setOverride(ctx, http.MethodPut, "boost", start, end)
}

func (a *Aquanta) CancelBoost(ctx context.Context) error {
	return a.setOverride(ctx, http.MethodDelete, "boost", time.Time{}, time.Time{})
}

func (a *Aquanta) Away(ctx context.Context, start, end time.Time) error {
	return a.setOverride(ctx, http.MethodPut, "away", start, end)
}

func (a *Aquanta) CancelAway(ctx context.Context) error {
	return a.setOverride(ctx, http.MethodDelete, "away", time.Time{}, time.Time{})
}

type aquantaTimer struct {
	Schedules []aquantaSchedule `json:"schedules"`
}

type aquantaSchedule struct {
	// DaysOfWeek uses the portal's numbering, Sunday is 0.
	DaysOfWeek []int            `json:"daysOfWeek"`
	Start      aquantaTimeOfDay `json:"start"`
	End        aquantaTimeOfDay `json:"end"`
}

type aquantaTimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

func (a *Aquanta) timer(ctx context.Context) (aquantaTimer, error) {
	if cached, ok := a.reads.Get(timerCacheKey); ok {
		return cached.(aquantaTimer), nil
	}
	var at aquantaTimer
	if err := a.doRequest(ctx, http.MethodGet, a.devicePath("timer"), nil, &at); err != nil {
		return aquantaTimer{}, err
	}
	a.reads.Set(timerCacheKey, at, cache.DefaultExpiration)
	return at, nil
}

func (a *Aquanta) OnWindows(ctx context.Context, now time.Time) ([]Window, error) {
	at, err := a.timer(ctx)
	if err != nil {
		return nil, err
	}
	// The portal numbers days like time.Weekday, Sunday is 0.
	day := int(now.Weekday())
	var windows []Window
	for _, s := range at.Schedules {
		var today bool
		for _, d := range s.DaysOfWeek {
			if d == day {
				today = true
				break
			}
		}
		if !today {
			continue
		}
		start := time.Date(now.Year(), now.Month(), now.Day(), s.Start.Hour, s.Start.Minute, s.Start.Second, 0, now.Location())
		end := time.Date(now.Year(), now.Month(), now.Day(), s.End.Hour, s.End.Minute, s.End.Second, 0, now.Location())
		if !end.After(start) {
			continue
		}
		windows = append(windows, Window{Start: start, End: end})
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Start.Before(windows[j].Start) })
	return windows, nil
}
