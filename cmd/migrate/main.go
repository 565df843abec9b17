// Command migrate applies or rolls back the order schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = flags.String("database", os.Getenv(config.EnvPrefix+"DATABASE_DSN"), "PostgreSQL DSN; defaults to $PAYWATCH_DATABASE_DSN")
		dir     = flags.String("path", migrations.EmbeddedSource, "Migrations directory, or \"embedded\" for the compiled-in set")
		timeout = flags.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flags.Bool("quiet", false, "Suppress informational logs")
	)
	if err := flags.Parse(argv); err != nil {
		return err
	}

	cmd, steps, err := parseCommand(flags.Args())
	if err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or PAYWATCH_DATABASE_DSN is required")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "paywatch-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if cmd == "up" {
		return migrations.Apply(ctx, *dsn, *dir, logger)
	}
	return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
}

// parseCommand accepts "up" or "down [steps]".
func parseCommand(args []string) (string, int, error) {
	if len(args) == 0 {
		return "", 0, errors.New("command required (up|down)")
	}
	switch args[0] {
	case "up":
		if len(args) > 1 {
			return "", 0, fmt.Errorf("up takes no arguments")
		}
		return "up", 0, nil
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return "", 0, fmt.Errorf("invalid down steps %q", args[1])
			}
			steps = n
		}
		return "down", steps, nil
	default:
		return "", 0, fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
