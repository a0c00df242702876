package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"runtime"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/fleetgrid/relay/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("relay doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	gw := cfg.Snapshot()
	fmt.Printf("    %-18s %s:%d\n", "Listen:", gw.Host, gw.Port)
	if gw.AuthToken == "" {
		fmt.Printf("    %-18s DISABLED (set RELAY_GATEWAY_TOKEN)\n", "Auth:")
	} else {
		fmt.Printf("    %-18s bearer token set\n", "Auth:")
	}
	fmt.Printf("    %-18s %d chars\n", "Max message:", gw.MaxMessageChars)
	if gw.RateLimitRPM > 0 {
		fmt.Printf("    %-18s %d rpm\n", "Rate limit:", gw.RateLimitRPM)
	} else {
		fmt.Printf("    %-18s disabled\n", "Rate limit:")
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-18s managed (postgres)\n", "Mode:")
		db, dbErr := sql.Open("pgx", cfg.Database.PostgresDSN)
		if dbErr != nil {
			fmt.Printf("    %-18s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else if pingErr := db.Ping(); pingErr != nil {
			fmt.Printf("    %-18s CONNECT FAILED (%s)\n", "Status:", pingErr)
			db.Close()
		} else {
			defer db.Close()
			fmt.Printf("    %-18s connected\n", "Status:")
			reportSchemaVersion(db)
		}
	} else {
		fmt.Printf("    %-18s standalone (sqlite)\n", "Mode:")
		fmt.Printf("    %-18s %s", "File:", cfg.Database.SQLitePath)
		if _, err := os.Stat(cfg.Database.SQLitePath); err != nil {
			fmt.Println(" (will be created)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	fmt.Println()
	fmt.Println("  Maintenance:")
	if cfg.Maintenance.RecountSchedule == "" {
		fmt.Printf("    %-18s disabled\n", "Recount sweep:")
	} else {
		fmt.Printf("    %-18s %s\n", "Recount sweep:", cfg.Maintenance.RecountSchedule)
	}

	fmt.Println()
	fmt.Println("  Telemetry:")
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %-18s OTLP/%s → %s\n", "Traces:", cfg.Telemetry.Protocol, cfg.Telemetry.Endpoint)
	} else {
		fmt.Printf("    %-18s disabled\n", "Traces:")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func reportSchemaVersion(db *sql.DB) {
	var version int64
	var dirty bool
	err := db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		fmt.Printf("    %-18s unknown (run: relay migrate up)\n", "Schema:")
		return
	}
	if dirty {
		fmt.Printf("    %-18s v%d (DIRTY — run: relay migrate force %d)\n", "Schema:", version, version-1)
		return
	}
	fmt.Printf("    %-18s v%d\n", "Schema:", version)
}
