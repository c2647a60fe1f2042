package db

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand.
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}

	migFS, err := getMigrationsFS()
	if err != nil {
		log.Fatalf("Failed to get migrations filesystem: %v", err)
	}
	database, err := OpenDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := runMigrateAction(database, migFS, args); err != nil {
		log.Fatalf("migrate %s: %v", args[0], err)
	}
}

func runMigrateAction(database *DB, migFS fs.FS, args []string) error {
	switch args[0] {
	case "up":
		if err := database.MigrateUp(migFS); err != nil {
			return err
		}
	case "down":
		if err := database.MigrateDown(migFS); err != nil {
			return err
		}
	case "status":
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: composite migrate force <version>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if err := database.MigrateForce(migFS, v); err != nil {
			return err
		}
	case "help":
		PrintMigrateHelp()
		return nil
	default:
		PrintMigrateHelp()
		return fmt.Errorf("unknown migrate action %q", args[0])
	}

	version, dirty, err := database.MigrateVersion(migFS)
	if err != nil {
		return err
	}
	fmt.Printf("Current version: %d (dirty: %v)\n", version, dirty)
	if dirty {
		fmt.Println("A migration failed mid-way; inspect the database then run: composite migrate force <version>")
	}
	return nil
}

// PrintMigrateHelp prints usage for the migrate subcommand.
func PrintMigrateHelp() {
	fmt.Println(`Usage: composite migrate <action> [args]

Actions:
  up              Apply all pending migrations
  down            Roll back the most recent migration
  status          Show the current version and dirty state
  force <version> Set the version without running migrations (recovery only)
  help            Show this help`)
}
