package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/wtfteams/wtfsync/internal/config"
	"github.com/wtfteams/wtfsync/internal/credstore"
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

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "login":
		cmdLogin(ctx, name, args[1:])
	case "logout":
		cmdLogout(ctx, name)
	case "auth":
		cmdAuth(ctx, name)
	case "profiles":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wtfsyncctl profiles <list|use>")
			os.Exit(1)
		}
		cmdProfiles(args[1], args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wtfsyncctl [--profile <name>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login --token <t> --user-id <id>   Store credentials for the profile")
	fmt.Fprintln(os.Stderr, "  logout                             Remove stored credentials")
	fmt.Fprintln(os.Stderr, "  auth                               Show auth state")
	fmt.Fprintln(os.Stderr, "  profiles list                      List known profiles")
	fmt.Fprintln(os.Stderr, "  profiles use <name>                Set the default profile")
}

func openStore(name string) *credstore.SQLiteStore {
	if err := profile.EnsureDir(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg := config.LoadOrDefault(profile.ConfigPath())
	store, err := credstore.Open(profile.CredentialDBPath(name), cfg.Connection.CredentialTimeout())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot open credential store for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	if _, err := store.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return store
}

func cmdLogin(ctx context.Context, name string, args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "bearer token issued by the backend")
	userID := fs.String("user-id", "", "authenticated user id")
	_ = fs.Parse(args)

	if *token == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: wtfsyncctl login --token <t> --user-id <id>")
		os.Exit(1)
	}
	if credstore.TokenExpired(*token, time.Now()) {
		fmt.Fprintln(os.Stderr, "error: token is already expired")
		os.Exit(1)
	}

	store := openStore(name)
	defer func() { _ = store.Close() }()

	user, err := json.Marshal(map[string]string{"_id": *userID})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := store.SetItem(ctx, credstore.KeyToken, *token); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := store.SetItem(ctx, credstore.KeyUser, string(user)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Credentials stored for profile %q.\n", name)
}

func cmdLogout(ctx context.Context, name string) {
	store := openStore(name)
	defer func() { _ = store.Close() }()

	if err := store.RemoveItem(ctx, credstore.KeyToken); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := store.RemoveItem(ctx, credstore.KeyUser); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Credentials removed for profile %q.\n", name)
}

func cmdAuth(ctx context.Context, name string) {
	store := openStore(name)
	defer func() { _ = store.Close() }()

	creds, err := credstore.Resolve(ctx, store)
	if err != nil {
		fmt.Println("Not logged in. Use wtfsyncctl login.")
		return
	}
	if credstore.TokenExpired(creds.Token, time.Now()) {
		fmt.Printf("Logged in as %s, but the token is expired. Log in again.\n", creds.UserID)
		return
	}
	fmt.Printf("Logged in as %s.\n", creds.UserID)
}

func cmdProfiles(subcmd string, args []string) {
	switch subcmd {
	case "list":
		names, err := profile.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(names) == 0 {
			fmt.Println("No profiles found.")
			return
		}
		cfg := config.LoadOrDefault(profile.ConfigPath())
		for _, n := range names {
			marker := " "
			if n == cfg.DefaultProfile {
				marker = "*"
			}
			fmt.Printf("%s %-20s %s\n", marker, n, profile.Dir(n))
		}
	case "use":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "usage: wtfsyncctl profiles use <name>")
			os.Exit(1)
		}
		target := args[0]
		if err := profile.ValidateName(target); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg := config.LoadOrDefault(profile.ConfigPath())
		cfg.DefaultProfile = target
		if err := config.Save(profile.ConfigPath(), cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default profile set to %q.\n", target)
	default:
		fmt.Fprintf(os.Stderr, "unknown profiles subcommand: %s\n", subcmd)
		os.Exit(1)
	}
}
