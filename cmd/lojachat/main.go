package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matborges/lojachat/internal/app"
	"github.com/matborges/lojachat/internal/config"
	"github.com/matborges/lojachat/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadProfile(profile.SettingsPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load profile %q: %v\n", name, err)
		fmt.Fprintf(os.Stderr, "create %s with server_url, token and user_id\n", profile.SettingsPath(name))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "profile %q: %v\n", name, err)
		os.Exit(1)
	}

	fx.New(
		app.Module(app.Params{ProfileName: name, Config: cfg}),
		fx.NopLogger,
	).Run()
}
