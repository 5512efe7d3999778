package main

import (
	"flag"
	"fmt"

	"github.com/blueberryd/blueberryd/pkg/blueberry"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "shows verbose logs (useful for debugging the bluetoothctl session)")
	flag.BoolVar(&verbose, "v", verbose, "shorthand for --verbose")
	flag.Parse()
}

func main() {

	// first we need a logger
	logger, err := blueberry.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// provide a fair warning if the user's running in verbose mode
	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	// create the blueberry instance
	b, err := blueberry.NewBlueberry(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create blueberry object", "error", err)
	}

	// if injected by build process, set version info to show up in the tray
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		b.SetVersion(versionString)
	}

	// onwards, to glory
	if err = b.Initialize(); err != nil {
		named.Fatalw("Failed to initialize blueberry", "error", err)
	}
}
