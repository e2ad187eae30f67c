package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/levenlabs/go-lflag"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/storage"
	"github.com/homeshift/homeshift/pkg/tasks/hvac"
	"github.com/homeshift/homeshift/pkg/types"
)

// Calibration tables for a mid-size heat pump home. Real tables come from
// months of metering statistics; these get a development deployment off
// the ground.
var (
	systemModel = []hvac.SystemPoint{
		{Temperature: 40, Power: 4.2, MinutePerDegree: 25},
		{Temperature: 55, Power: 3.6, MinutePerDegree: 18},
		{Temperature: 70, Power: 3.2, MinutePerDegree: 14},
		{Temperature: 85, Power: 3.8, MinutePerDegree: 16},
		{Temperature: 100, Power: 4.8, MinutePerDegree: 24},
	}
	homeModel = []hvac.DriftPoint{
		{Temperature: 40, DegreePerMinute: -0.02},
		{Temperature: 60, DegreePerMinute: -0.005},
		{Temperature: 75, DegreePerMinute: 0.002},
		{Temperature: 95, DegreePerMinute: 0.015},
		{Temperature: 110, DegreePerMinute: 0.03},
	}
)

func main() {
	db := storage.Configured()
	refreshToken := lflag.String("hvac-refresh-token", "",
		"thermostat refresh token from the out-of-band PIN authorization")
	force := lflag.Bool("force", false, "overwrite settings and calibration tables that already exist")
	dump := lflag.Bool("dump", false, "print the stored settings and state instead of seeding")
	lflag.Configure()

	ctx := context.Background()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	if *dump {
		if err := dumpAll(ctx, db); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "dump failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding defaults")

	if err := seedSettings(ctx, db, *force); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", slog.Any("error", err))
		os.Exit(1)
	}
	if err := seedModels(ctx, db, *force); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed calibration tables", slog.Any("error", err))
		os.Exit(1)
	}
	if *refreshToken != "" {
		tokens := struct {
			RefreshToken string `json:"refresh_token"`
		}{RefreshToken: *refreshToken}
		if err := storage.SaveState(ctx, db, hvac.StorageService, hvac.TokensKey, tokens); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to store refresh token", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Println("Stored thermostat refresh token")
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded successfully")
}

func seedSettings(ctx context.Context, db storage.Database, force bool) error {
	_, version, err := db.GetSettings(ctx)
	if err != nil {
		return err
	}
	if version != 0 && !force {
		fmt.Printf("Settings already at v%d, leaving them alone\n", version)
		return nil
	}
	settings, _, err := types.MigrateSettings(types.Settings{}, 0)
	if err != nil {
		return err
	}
	if err := db.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		return err
	}
	fmt.Printf("Seeded default settings v%d\n", types.CurrentSettingsVersion)
	return nil
}

func seedModels(ctx context.Context, db storage.Database, force bool) error {
	// reject tables the hvac task could not load
	if _, err := hvac.NewModels(systemModel, homeModel); err != nil {
		return err
	}
	var existing []hvac.SystemPoint
	err := storage.LoadState(ctx, db, hvac.StorageService, hvac.SystemModelKey, &existing)
	if err == nil && !force {
		fmt.Printf("Calibration tables already stored, leaving them alone\n")
		return nil
	}
	if err != nil && !errors.Is(err, storage.ErrStateNotFound) {
		return err
	}
	if err := storage.SaveState(ctx, db, hvac.StorageService, hvac.SystemModelKey, systemModel); err != nil {
		return err
	}
	if err := storage.SaveState(ctx, db, hvac.StorageService, hvac.HomeModelKey, homeModel); err != nil {
		return err
	}
	fmt.Printf("Seeded %d system and %d drift calibration points\n", len(systemModel), len(homeModel))
	return nil
}

func dumpAll(ctx context.Context, db storage.Database) error {
	settings, version, err := db.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("reading settings: %w", err)
	}
	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("settings (v%d):\n%s\n", version, out)

	states, err := db.ListServiceStates(ctx)
	if err != nil {
		return fmt.Errorf("listing state: %w", err)
	}
	for _, s := range states {
		fmt.Printf("%s/%s: %s\n", s.Service, s.Key, s.State)
	}
	return nil
}
