package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/civil"

	"activity-sync/internal/app"
	"activity-sync/internal/config"
	"activity-sync/internal/database"
)

func main() {
	// Disable structured logging for CLI
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	if command == "help" {
		printUsage()
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fatalf("Failed to load configuration: %v", err)
	}

	a, err := app.New(cfg, slog.Default())
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch command {
	case "migrate":
		err = handleMigrate(ctx, a)
	case "create-challenge":
		err = handleCreateChallenge(ctx, a, args)
	case "sync-day":
		err = handleSyncDay(ctx, a, args)
	case "sync-range":
		err = handleSyncRange(ctx, a, args)
	case "sync-active":
		err = handleSyncActive(ctx, a, args)
	case "progress":
		err = handleProgress(ctx, a, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		a.Close()
		fatalf("%v", err)
	}
}

func printUsage() {
	fmt.Println(`activity-sync CLI - Daily activity synchronization

Usage:
  cli <command> [options]

Commands:
  migrate            Apply pending database migrations
  create-challenge   Define a challenge
  sync-day           Sync one day for a user (-user, -date)
  sync-range         Sync a date range for a user (-user, -from, -to, -challenge)
  sync-active        Sync every participant of the challenges running on a date (-date, -user)
  progress           Recompute a challenge's progress (-challenge, -user)
  help               Show this help message

Examples:
  cli create-challenge -name "March steps" -activity steps -objective total_amount -goal 300000 -start 2024-03-01 -days 31 -badge 4
  cli sync-day -user 42 -date 2024-03-05
  cli sync-range -user 42 -from 2024-03-01 -to 2024-03-05 -challenge 1
  cli sync-active
  cli progress -challenge 1

Dates default to today in DEFAULT_TIMEZONE.

Environment Variables Required:
  PROVIDER_API_KEY   - Provider service credential
  PROVIDER_DEV_ID    - Provider developer identifier
  INTERNAL_API_KEY   - Internal API bearer key
  DATABASE_DRIVER    - sqlite (default) or postgres
  DATABASE_PATH      - SQLite file (default: ./data.db)
  DATABASE_URL       - Postgres connection string`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// dateFlag is a YYYY-MM-DD flag value; zero means unset
type dateFlag struct{ civil.Date }

func (d *dateFlag) String() string {
	if d.Date == (civil.Date{}) {
		return ""
	}
	return d.Date.String()
}

func (d *dateFlag) Set(s string) error {
	v, err := civil.ParseDate(s)
	if err != nil {
		return fmt.Errorf("want YYYY-MM-DD: %w", err)
	}
	d.Date = v
	return nil
}

func (d *dateFlag) orToday(loc *time.Location) civil.Date {
	if d.Date == (civil.Date{}) {
		return civil.DateOf(time.Now().In(loc))
	}
	return d.Date
}

func handleMigrate(ctx context.Context, a *app.App) error {
	if err := a.DB.Migrate(ctx); err != nil {
		return err
	}
	fmt.Println("✓ Database is up to date")
	return nil
}

func handleCreateChallenge(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("create-challenge", flag.ExitOnError)
	name := fs.String("name", "", "Challenge name")
	activity := fs.String("activity", string(database.ActivitySteps), "steps, calories or sleep")
	objective := fs.String("objective", string(database.ObjectiveTotalAmount), "total_amount or daily_goal")
	goal := fs.Float64("goal", 0, "Goal amount (total, or number of qualifying days)")
	threshold := fs.Float64("threshold", 0, "Per-day bar for daily_goal (default: the goal amount)")
	days := fs.Int("days", 0, "Duration in days")
	badge := fs.Int64("badge", 0, "Badge issued on completion")
	hidden := fs.Bool("hidden", false, "Create the challenge hidden")
	var start dateFlag
	fs.Var(&start, "start", "Start date")
	fs.Parse(args)

	ch := &database.Challenge{
		Name:          *name,
		ActivityType:  database.ActivityType(*activity),
		ObjectiveType: database.ObjectiveType(*objective),
		GoalAmount:    *goal,
		StartDate:     start.orToday(a.Config.Location()),
		DurationDays:  *days,
		Visible:       !*hidden,
	}
	if *threshold > 0 {
		ch.DailyThreshold = threshold
	}
	if *badge > 0 {
		ch.BadgeID = badge
	}

	if err := a.DB.CreateChallenge(ctx, ch); err != nil {
		return err
	}
	fmt.Printf("✓ Challenge %d created (%s to %s)\n", ch.ID, ch.StartDate, ch.LastDay())
	return nil
}

func handleSyncDay(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("sync-day", flag.ExitOnError)
	user := fs.Int64("user", 0, "User ID")
	var date dateFlag
	fs.Var(&date, "date", "Day to sync")
	fs.Parse(args)

	row, created, err := a.Syncer.SyncDay(ctx, *user, date.orToday(a.Config.Location()))
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"date":        row.Date.String(),
		"steps":       row.Steps,
		"calories":    row.Calories,
		"sleep_hours": row.SleepHours,
		"created":     created,
	})
}

func handleSyncRange(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("sync-range", flag.ExitOnError)
	user := fs.Int64("user", 0, "User ID")
	challenge := fs.Int64("challenge", 0, "Challenge whose progress is recomputed afterwards")
	var from, to dateFlag
	fs.Var(&from, "from", "First day")
	fs.Var(&to, "to", "Last day (default: today)")
	fs.Parse(args)

	end := to.orToday(a.Config.Location())
	start := end
	if from.Date != (civil.Date{}) {
		start = from.Date
	}

	res, err := a.Syncer.SyncRange(ctx, *user, *challenge, start, end)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func handleSyncActive(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("sync-active", flag.ExitOnError)
	user := fs.Int64("user", 0, "Restrict the run to one user")
	var date dateFlag
	fs.Var(&date, "date", "Target day")
	fs.Parse(args)

	var userID *int64
	if *user != 0 {
		userID = user
	}
	res, err := a.Syncer.SyncActiveChallenges(ctx, date.orToday(a.Config.Location()), userID)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func handleProgress(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("progress", flag.ExitOnError)
	challenge := fs.Int64("challenge", 0, "Challenge ID")
	user := fs.Int64("user", 0, "Restrict to one participant")
	fs.Parse(args)

	var userID *int64
	if *user != 0 {
		userID = user
	}
	results, err := a.Progress.Calculate(ctx, *challenge, userID)
	if printErr := printJSON(results); printErr != nil {
		return printErr
	}
	return err
}
