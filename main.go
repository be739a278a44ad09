package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		runMigrate(os.Args[2:])
	case "scan":
		runScanCmd(os.Args[2:])
	case "slope":
		runSlopeCmd(os.Args[2:])
	case "sentinel":
		runSentinelCmd(os.Args[2:])
	case "vacancy":
		runVacancyCmd(os.Args[2:])
	case "conviction":
		runConvictionCmd(os.Args[2:])
	case "highres":
		runHighResCmd(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "report":
		runReport(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`Usage: distress-report <command> [flags]

Commands:
  migrate up|down|status|force <v>|to <v>
               Manage the database schema
  scan         Pass 1: bulk aerial NDVI and flood scan
  slope        Pass 1.5: historical NDVI slope and composite scores
  sentinel     Pass 1.5b: satellite trend enrichment
  vacancy      Pass 2: carrier vacancy checks
  conviction   Pass 2.5: conviction score fusion
  highres      Refinement: commercial imagery comparison
  serve        Run the HTTP API server
  report       Write a county summary HTML report

All pass commands take -county and -state. Run a command with -h for its
full flag list.
`)
}
