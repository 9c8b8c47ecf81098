package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/xmidt-org/talaria/headunit"
	"github.com/xmidt-org/talaria/headunit/internal/bootstrap"
)

// headunitd: device activation service. It watches attached devices, arbitrates
// which one is active and serves the device API until SIGINT/SIGTERM.
//
//	headunitd [-config path]
//	headunitd repair [-config path] [-list | -dry-run | -fix]
func main() {
	if len(os.Args) > 1 && os.Args[1] == "repair" {
		os.Exit(repair(os.Args[2:]))
	}

	configPath := flag.String("config", headunit.DefaultConfigPath(), "path to the TOML config file")
	flag.Parse()

	bootstrap.Run(*configPath)
}

// repair restores disclaimer acceptance that a selection change overwrote
// in the device database. Run it with the service stopped.
func repair(args []string) int {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	configPath := fs.String("config", headunit.DefaultConfigPath(), "path to the TOML config file")
	list := fs.Bool("list", false, "list stored consent states (default)")
	dryRun := fs.Bool("dry-run", false, "show what -fix would change")
	fix := fs.Bool("fix", false, "restore lost disclaimer acceptance")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	mode, err := bootstrap.RepairModeFromFlags(*list, *dryRun, *fix)
	if err != nil {
		fmt.Fprintln(os.Stderr, "repair:", err)
		return 2
	}
	if _, err := bootstrap.Repair(context.Background(), bootstrap.ConfigPath(*configPath), mode, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "repair:", err)
		return 1
	}
	return 0
}
