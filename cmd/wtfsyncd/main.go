package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/wtfteams/wtfsync/internal/daemon"
	"github.com/wtfteams/wtfsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name}),
	)

	app.Run()
}
