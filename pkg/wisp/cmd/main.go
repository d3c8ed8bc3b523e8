package main

import (
	"flag"
	"fmt"

	"github.com/wisplabs/wisp/pkg/wisp"
	"github.com/wisplabs/wisp/pkg/wisp/util"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging the server protocol)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.Parse()
}

func main() {
	logger, err := wisp.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	if err := util.CreateMutex("wisp"); err != nil {
		named.Fatalw("Failed to acquire instance lock", "error", err)
	}

	w, err := wisp.NewWisp(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create wisp object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		w.SetVersion(versionString)
	}

	if err = w.Initialize(); err != nil {
		named.Fatalw("Failed to initialize wisp", "error", err)
	}
}
