package registry

import (
	"context"
	"fmt"
	"io"

	"github.com/xmidt-org/talaria/headunit"
)

// RepairMode selects what RepairConsent does.
type RepairMode int

const (
	// RepairList prints the stored consent state of every device.
	RepairList RepairMode = iota
	// RepairDryRun prints the changes RepairFix would make.
	RepairDryRun
	// RepairFix restores the disclaimer acceptance of affected devices.
	RepairFix
)

func (m RepairMode) String() string {
	switch m {
	case RepairList:
		return "list"
	case RepairDryRun:
		return "dry-run"
	case RepairFix:
		return "fix"
	default:
		return fmt.Sprintf("RepairMode(%d)", int(m))
	}
}

// RepairConsent finds devices whose accepted disclaimer was overwritten with
// native-selected when another device took the selection marker, and
// reports or restores them. It returns the number of affected devices.
//
// It works on storage only; run it while headunitd is stopped.
func RepairConsent(ctx context.Context, store *Store, mode RepairMode, w io.Writer) (int, error) {
	if mode == RepairList {
		recs, err := store.List(ctx)
		if err != nil {
			return 0, fmt.Errorf("list devices: %w", err)
		}
		affected := 0
		for _, rec := range recs {
			mark := ""
			if lostConsent(rec) {
				mark = "  (consent lost)"
				affected++
			}
			fmt.Fprintf(w, "%s\t%s\tpreviously-accepted=%t%s\n", displayName(rec), rec.AcceptState, rec.PreviouslyAccepted, mark)
		}
		fmt.Fprintf(w, "%d device(s), %d with lost consent\n", len(recs), affected)
		return affected, nil
	}

	recs, err := store.LostConsent(ctx)
	if err != nil {
		return 0, fmt.Errorf("find lost consent: %w", err)
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "no device lost its consent")
		return 0, nil
	}

	verb := "would restore"
	if mode == RepairFix {
		n, err := store.RestoreConsent(ctx)
		if err != nil {
			return 0, fmt.Errorf("restore consent: %w", err)
		}
		if int(n) != len(recs) {
			return int(n), fmt.Errorf("restored %d of %d devices: %w", n, len(recs), headunit.ErrInvalidState)
		}
		verb = "restored"
	}
	for _, rec := range recs {
		fmt.Fprintf(w, "%s %s: %s -> %s\n", verb, displayName(rec), headunit.NativeSelected, headunit.DisclaimerAccepted)
	}
	return len(recs), nil
}

func lostConsent(rec *DeviceRecord) bool {
	return rec.PreviouslyAccepted && rec.AcceptState == headunit.NativeSelected.String()
}

func displayName(rec *DeviceRecord) string {
	if rec.Name == "" {
		return rec.ID
	}
	return rec.Name + " (" + rec.ID + ")"
}
