package types

import (
	"fmt"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the home tunables stored in the database. These are
// dynamic settings that can be changed without redeploying; deployment
// wiring (addresses, providers, credentials) stays in flags.
type Settings struct {
	// Pause scheduling entirely (operator escape hatch).
	Pause bool `json:"pause"`

	// Scheduler
	// How many power records the sliding window keeps.
	WindowSize int `json:"windowSize"`
	// Absolute kW readings below this are squashed to zero on ingest.
	IgnorePowerThreshold float64 `json:"ignorePowerThreshold"`
	// Minutes without any power record before the scheduler pauses itself.
	MaxRecordGapMinutes int `json:"maxRecordGapMinutes"`

	// Site
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	TimeZone  string  `json:"timeZone"`
	// Nameplate PV capacity and typical always-on draw, both kW.
	PVPeakKW   float64 `json:"pvPeakKW"`
	BaseLoadKW float64 `json:"baseLoadKW"`

	// Tariff
	TariffProvider string `json:"tariffProvider"`
	TariffRate     string `json:"tariffRate"`

	// Per-load tunables
	EVSE        EVSESettings        `json:"evse"`
	WaterHeater WaterHeaterSettings `json:"waterHeater"`
	HVAC        HVACSettings        `json:"hvac"`
	PoolPump    PoolPumpSettings    `json:"poolPump"`
}

// EVSESettings tunes the car charger task.
type EVSESettings struct {
	MinCurrentA int     `json:"minCurrentA"`
	MaxCurrentA int     `json:"maxCurrentA"`
	MaxSOC      float64 `json:"maxSOC"`
}

// WaterHeaterSettings tunes the water heater task.
type WaterHeaterSettings struct {
	MinRunMinutes int `json:"minRunMinutes"`
	// Hour of day the tank should be hot by when no sun window is found.
	FallbackTargetHour int `json:"fallbackTargetHour"`
}

// HVACSettings tunes the thermostat task.
type HVACSettings struct {
	GoalTempF float64 `json:"goalTempF"`
	// Hour of day by which the home should be at GoalTempF.
	GoalHour        int     `json:"goalHour"`
	ComfortBandF    float64 `json:"comfortBandF"`
	HoldOffsetF     float64 `json:"holdOffsetF"`
	MinRunMinutes   int     `json:"minRunMinutes"`
	MinPauseMinutes int     `json:"minPauseMinutes"`
}

// PoolPumpSettings tunes the pool pump task.
type PoolPumpSettings struct {
	MinRunMinutes int `json:"minRunMinutes"`
	// Daily runtime bounds; the budget interpolates between them on water
	// temperature.
	MinDailyMinutes int `json:"minDailyMinutes"`
	MaxDailyMinutes int `json:"maxDailyMinutes"`
	// Hour of day by which the daily budget should be spent.
	TargetHour int `json:"targetHour"`
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were
// made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: scheduler defaults
			if s.WindowSize == 0 {
				s.WindowSize = 12
				migrated = true
			}
			if s.IgnorePowerThreshold == 0 {
				s.IgnorePowerThreshold = 0.1
				migrated = true
			}
			if s.MaxRecordGapMinutes == 0 {
				s.MaxRecordGapMinutes = 3
				migrated = true
			}
		case 2:
			// version 2: per-load safety floors
			if s.EVSE.MinCurrentA == 0 {
				s.EVSE.MinCurrentA = 6
				migrated = true
			}
			if s.EVSE.MaxSOC == 0 {
				s.EVSE.MaxSOC = 100
				migrated = true
			}
			if s.WaterHeater.MinRunMinutes == 0 {
				s.WaterHeater.MinRunMinutes = 10
				migrated = true
			}
			if s.HVAC.MinRunMinutes == 0 {
				s.HVAC.MinRunMinutes = 7
				migrated = true
			}
			if s.HVAC.MinPauseMinutes == 0 {
				s.HVAC.MinPauseMinutes = 5
				migrated = true
			}
			if s.PoolPump.MinRunMinutes == 0 {
				s.PoolPump.MinRunMinutes = 7
				migrated = true
			}
		case 3:
			// version 3: pool budget bounds and target hours
			if s.PoolPump.MinDailyMinutes == 0 {
				s.PoolPump.MinDailyMinutes = 60
				migrated = true
			}
			if s.PoolPump.MaxDailyMinutes == 0 {
				s.PoolPump.MaxDailyMinutes = 300
				migrated = true
			}
			if s.PoolPump.TargetHour == 0 {
				s.PoolPump.TargetHour = 17
				migrated = true
			}
			if s.WaterHeater.FallbackTargetHour == 0 {
				s.WaterHeater.FallbackTargetHour = 13
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
