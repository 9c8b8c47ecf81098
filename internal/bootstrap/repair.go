package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xmidt-org/talaria/headunit/registry"
)

var errRepairMode = errors.New("choose one of -list, -dry-run, -fix")

// RepairModeFromFlags maps the repair command's flags to a mode. At most
// one may be set; none means list.
func RepairModeFromFlags(list, dryRun, fix bool) (registry.RepairMode, error) {
	set := 0
	mode := registry.RepairList
	for _, f := range []struct {
		on   bool
		mode registry.RepairMode
	}{{list, registry.RepairList}, {dryRun, registry.RepairDryRun}, {fix, registry.RepairFix}} {
		if f.on {
			set++
			mode = f.mode
		}
	}
	if set > 1 {
		return 0, errRepairMode
	}
	return mode, nil
}

// Repair opens the configured device database and runs the consent repair
// against it. The service must not be running.
func Repair(ctx context.Context, path ConfigPath, mode registry.RepairMode, w io.Writer) (int, error) {
	opts, err := LoadConfig(path)
	if err != nil {
		return 0, err
	}
	db, err := ProvideDatabase(opts)
	if err != nil {
		return 0, fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	store := ProvideDeviceStore(db)
	if err := store.Migrate(); err != nil {
		return 0, fmt.Errorf("migrate: %w", err)
	}
	return registry.RepairConsent(ctx, store, mode, w)
}
