package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/banshee-data/distress.report/internal/aerial"
	"github.com/banshee-data/distress.report/internal/api"
	"github.com/banshee-data/distress.report/internal/artifacts"
	"github.com/banshee-data/distress.report/internal/config"
	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/flood"
	"github.com/banshee-data/distress.report/internal/geocode"
	"github.com/banshee-data/distress.report/internal/highres"
	"github.com/banshee-data/distress.report/internal/pipeline"
	"github.com/banshee-data/distress.report/internal/report"
	"github.com/banshee-data/distress.report/internal/satellite"
	"github.com/banshee-data/distress.report/internal/stacarchive"
	"github.com/banshee-data/distress.report/internal/vacancy"
)

// passFlags are the flags every pass command shares.
type passFlags struct {
	fs     *flag.FlagSet
	county *string
	state  *string
	limit  *int
	dryRun *bool
	tuning *string
}

func newPassFlags(name string) *passFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &passFlags{
		fs:     fs,
		county: fs.String("county", "", "County name (required)"),
		state:  fs.String("state", "", "Two-letter state code (required)"),
		limit:  fs.Int("limit", 10000, "Maximum parcels to process"),
		dryRun: fs.Bool("dry-run", false, "Compute without writing back"),
		tuning: fs.String("tuning", config.DefaultConfigPath, "Tuning config JSON path"),
	}
}

func (pf *passFlags) parse(args []string) {
	pf.fs.Parse(args)
	if *pf.county == "" || *pf.state == "" {
		fmt.Fprintln(os.Stderr, "-county and -state are required")
		pf.fs.Usage()
		os.Exit(1)
	}
}

func loadTuning(path string) *config.TuningConfig {
	if _, err := os.Stat(path); err != nil {
		log.Printf("tuning config %s not found, using defaults", path)
		return config.EmptyTuningConfig()
	}
	tuning, err := config.LoadTuningConfig(path)
	if err != nil {
		log.Fatalf("Failed to load tuning config: %v", err)
	}
	return tuning
}

func openDB() (*config.Env, *db.DB) {
	env, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	database, err := db.Open(env.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return env, database
}

// buildPipeline wires every upstream client the environment has credentials
// for. Passes that need a missing client fail at run time with a clear
// error instead of at startup.
func buildPipeline(ctx context.Context, env *config.Env, database *db.DB, tuning *config.TuningConfig, dryRun bool) *pipeline.Pipeline {
	p := &pipeline.Pipeline{
		DB:        database,
		Aerial:    aerial.NewClient(nil, env.CacheDir),
		Flood:     flood.NewClient(nil, env.CacheDir),
		Archive:   stacarchive.NewClient(nil),
		Landsat:   satellite.NewLandsatClient(nil),
		Geocoder:  geocode.NewClient(nil),
		Artifacts: artifacts.NewStore(env.ArtifactDir, env.ArtifactPublicURL),
		Tuning:    tuning,
		DryRun:    dryRun,
	}

	if env.SatelliteClientID != "" {
		p.Satellite = satellite.NewClient(ctx, env.SatelliteClientID,
			env.SatelliteClientSecret, tuning.GetSentinelRatePerMin())
	}
	if env.HighResAPIKey != "" {
		p.HighRes = highres.NewClient(nil, env.HighResAPIKey, env.CacheDir)
	}

	if len(env.VacancyAccounts) > 0 {
		indices := make([]int, 0, len(env.VacancyAccounts))
		for n := range env.VacancyAccounts {
			indices = append(indices, n)
		}
		sort.Ints(indices)

		accounts := make([]*vacancy.Account, 0, len(indices))
		for _, n := range indices {
			creds := env.VacancyAccounts[n]
			accounts = append(accounts, vacancy.NewAccount(n, vacancy.Credentials{
				ClientID:     creds.ClientID,
				ClientSecret: creds.ClientSecret,
			}, nil))
		}
		p.Checker = vacancy.NewChecker(accounts,
			time.Duration(env.VacancyDelayMinSec)*time.Second,
			time.Duration(env.VacancyDelayMaxSec)*time.Second)
	}
	return p
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runMigrate(args []string) {
	if len(args) < 1 {
		log.Fatal("Usage: distress-report migrate up|down|status|force <version>|to <version>")
	}

	_, database := openDB()
	defer database.Close()

	switch args[0] {
	case "up":
		if err := database.MigrateUp(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		version, dirty, _ := database.MigrateVersion()
		log.Printf("Migrations applied, current version: %d (dirty: %v)", version, dirty)

	case "down":
		if err := database.MigrateDown(); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		version, dirty, _ := database.MigrateVersion()
		log.Printf("Rolled back one migration, current version: %d (dirty: %v)", version, dirty)

	case "status":
		version, dirty, err := database.MigrateVersion()
		if err != nil {
			log.Fatalf("Failed to read migration status: %v", err)
		}
		fmt.Printf("Current version: %d\nDirty: %v\n", version, dirty)
		if dirty {
			fmt.Println("A migration failed mid-execution; inspect the database, then use 'migrate force'.")
		}

	case "force":
		if len(args) < 2 {
			log.Fatal("Usage: distress-report migrate force <version>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("Invalid version %q", args[1])
		}
		if err := database.MigrateForce(version); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		log.Printf("Forced version to %d", version)

	case "to":
		if len(args) < 2 {
			log.Fatal("Usage: distress-report migrate to <version>")
		}
		version, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			log.Fatalf("Invalid version %q", args[1])
		}
		if err := database.MigrateTo(uint(version)); err != nil {
			log.Fatalf("Migration to version %d failed: %v", version, err)
		}
		log.Printf("Migrated to version %d", version)

	default:
		log.Fatalf("Unknown migrate action: %s", args[0])
	}
}

func runScanCmd(args []string) {
	pf := newPassFlags("scan")
	pf.parse(args)

	ctx, stop := signalContext()
	defer stop()

	env, database := openDB()
	defer database.Close()
	p := buildPipeline(ctx, env, database, loadTuning(*pf.tuning), *pf.dryRun)

	stats, err := p.RunScan(ctx, *pf.county, *pf.state, *pf.limit)
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}
	log.Printf("Scan complete: %+v", stats)
}

func runSlopeCmd(args []string) {
	pf := newPassFlags("slope")
	pf.parse(args)

	ctx, stop := signalContext()
	defer stop()

	env, database := openDB()
	defer database.Close()
	p := buildPipeline(ctx, env, database, loadTuning(*pf.tuning), *pf.dryRun)

	stats, err := p.RunSlope(ctx, *pf.county, *pf.state, *pf.limit)
	if err != nil {
		log.Fatalf("Slope pass failed: %v", err)
	}
	log.Printf("Slope pass complete: %+v", stats)
}

func runSentinelCmd(args []string) {
	pf := newPassFlags("sentinel")
	pf.parse(args)

	ctx, stop := signalContext()
	defer stop()

	env, database := openDB()
	defer database.Close()
	p := buildPipeline(ctx, env, database, loadTuning(*pf.tuning), *pf.dryRun)
	if p.Satellite == nil {
		log.Fatal("CDSE_CLIENT_ID / CDSE_CLIENT_SECRET are not set")
	}

	stats, err := p.RunSentinelEnrich(ctx, *pf.county, *pf.state, *pf.limit)
	if err != nil {
		log.Fatalf("Sentinel enrichment failed: %v", err)
	}
	log.Printf("Sentinel enrichment complete: %+v", stats)
}

func runVacancyCmd(args []string) {
	pf := newPassFlags("vacancy")
	workDir := pf.fs.String("work-dir", "data/vacancy", "Directory for the lock file and writeback journal")
	pf.parse(args)

	ctx, stop := signalContext()
	defer stop()

	env, database := openDB()
	defer database.Close()
	p := buildPipeline(ctx, env, database, loadTuning(*pf.tuning), *pf.dryRun)

	stats, err := p.RunVacancy(ctx, *pf.county, *pf.state, *workDir, *pf.limit)
	if err != nil {
		log.Fatalf("Vacancy pass failed: %v (stats: %+v)", err, stats)
	}
	log.Printf("Vacancy pass complete: %+v", stats)
}

func runConvictionCmd(args []string) {
	pf := newPassFlags("conviction")
	pf.parse(args)

	ctx, stop := signalContext()
	defer stop()

	env, database := openDB()
	defer database.Close()
	p := buildPipeline(ctx, env, database, loadTuning(*pf.tuning), *pf.dryRun)

	stats, err := p.RunConviction(ctx, *pf.county, *pf.state)
	if err != nil {
		log.Fatalf("Conviction pass failed: %v", err)
	}
	log.Printf("Conviction pass complete: %+v", stats)
}

func runHighResCmd(args []string) {
	pf := newPassFlags("highres")
	force := pf.fs.Bool("force", false, "Bypass the per-parcel cooldown")
	pf.parse(args)

	ctx, stop := signalContext()
	defer stop()

	env, database := openDB()
	defer database.Close()
	p := buildPipeline(ctx, env, database, loadTuning(*pf.tuning), *pf.dryRun)
	if p.HighRes == nil {
		log.Fatal("PLANET_API_KEY is not set")
	}

	stats, err := p.RunHighRes(ctx, *pf.county, *pf.state, *pf.limit, *force)
	if err != nil {
		log.Fatalf("High-res refinement failed: %v", err)
	}
	log.Printf("High-res refinement complete: %+v", stats)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", ":8080", "Listen address")
	tuningPath := fs.String("tuning", config.DefaultConfigPath, "Tuning config JSON path")
	workDir := fs.String("work-dir", "data/vacancy", "Directory for the vacancy lock file and journal")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	env, database := openDB()
	defer database.Close()
	p := buildPipeline(ctx, env, database, loadTuning(*tuningPath), false)

	mux := api.NewServer(database, p, *workDir).ServeMux()
	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	go func() {
		log.Printf("Listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
}

func runReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	county := fs.String("county", "", "County name (required)")
	state := fs.String("state", "", "Two-letter state code (required)")
	out := fs.String("out", "report.html", "Output HTML path")
	fs.Parse(args)
	if *county == "" || *state == "" {
		fmt.Fprintln(os.Stderr, "-county and -state are required")
		fs.Usage()
		os.Exit(1)
	}

	ctx, stop := signalContext()
	defer stop()

	_, database := openDB()
	defer database.Close()

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *out, err)
	}
	defer f.Close()

	b := &report.Builder{DB: database}
	if err := b.Render(ctx, f, *county, *state); err != nil {
		log.Fatalf("Report failed: %v", err)
	}
	log.Printf("Wrote %s", *out)
}
