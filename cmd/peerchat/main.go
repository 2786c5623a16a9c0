package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"

	"peerchat/internal/app"
	"peerchat/internal/bus"
	"peerchat/internal/cache"
	"peerchat/internal/channel"
	"peerchat/internal/config"
	"peerchat/internal/outbox"
	"peerchat/internal/profile"
	"peerchat/internal/session"
	"peerchat/internal/store"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := session.Resolve(*profileFlag)
	if err := session.ValidateName(profileName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "run":
		cmdRun(profileName)
	case "conversations":
		cmdConversations(profileName, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: peerchat messages <cid>")
			os.Exit(1)
		}
		cmdMessages(profileName, args[1], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: peerchat send <cid> <text...>")
			os.Exit(1)
		}
		cmdSend(profileName, args[1], strings.Join(args[2:], " "))
	case "profile":
		cmdProfile(profileName, *jsonFlag)
	case "ping":
		cmdPing(profileName)
	case "setup":
		var serverURL string
		if len(args) >= 2 {
			serverURL = args[1]
		}
		cmdSetup(profileName, serverURL)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: peerchat [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  run                  Connect and sync until interrupted")
	fmt.Fprintln(os.Stderr, "  conversations        List archived conversations")
	fmt.Fprintln(os.Stderr, "  messages <cid>       List archived messages of a conversation")
	fmt.Fprintln(os.Stderr, "  send <cid> <text>    Send a message")
	fmt.Fprintln(os.Stderr, "  profile              Show the local user's profile")
	fmt.Fprintln(os.Stderr, "  ping                 Check the server is reachable")
	fmt.Fprintln(os.Stderr, "  setup [server-url]   Bootstrap config and auth key")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func cmdRun(profileName string) {
	fxApp := fx.New(
		app.Module(app.Params{ProfileName: profileName}),
	)
	fxApp.Run()
}

func openArchive(profileName string) *store.DB {
	db, err := store.Open(session.ArchiveDBPath(profileName))
	if err != nil {
		fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		fatal(err)
	}
	return db
}

func cmdConversations(profileName string, jsonOut bool) {
	db := openArchive(profileName)
	defer func() { _ = db.Close() }()

	convs, err := db.ListConversations(100, 0)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	for _, c := range convs {
		marker := " "
		if c.Unread {
			marker = "*"
		}
		name := c.Name
		if name == "" {
			name = c.Peer
		}
		fmt.Printf("%s %-24s %-32s %d messages\n", marker, c.CID, name, c.Length)
	}
}

func cmdMessages(profileName, cid string, jsonOut bool) {
	db := openArchive(profileName)
	defer func() { _ = db.Close() }()

	msgs, err := db.ListMessages(cid, 0, 100)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	// Archive lists newest first; print oldest first like a transcript.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		who := "them"
		if m.IsMine {
			who = "me"
		}
		body := ""
		if m.Body != nil {
			body = *m.Body
		}
		fmt.Printf("[%4d] %-4s (%s) %s\n", m.MsgID, who, m.Status, body)
	}
}

func loadConfig(profileName string) *config.Config {
	cfg, err := config.Load(session.ConfigPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: no usable config for profile %q (run \"peerchat setup\" first): %v\n", profileName, err)
		os.Exit(1)
	}
	return cfg
}

func cmdSend(profileName, cid, body string) {
	cfg := loadConfig(profileName)

	b := bus.New()
	c := cache.New(b)
	ch := channel.New(channel.Options{
		URL:     cfg.ServerURL,
		AuthKey: cfg.AuthKey,
	}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		fatal(err)
	}
	defer ch.Disconnect()

	pipe := outbox.New(ch, c, b, nil)
	mid, err := pipe.Send(ctx, cid, body)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("sent message %d to %s\n", mid, cid)
}

func cmdProfile(profileName string, jsonOut bool) {
	cfg := loadConfig(profileName)
	client := profile.NewClient(cfg.ServerURL, cfg.AuthKey, nil)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
	defer cancel()

	name, err := client.Name(ctx)
	if err != nil {
		fatal(err)
	}
	addr, err := client.Address(ctx)
	if err != nil {
		fatal(err)
	}
	if name == "" {
		name = "(unset)"
	}
	if addr == "" {
		addr = "(unset)"
	}
	if jsonOut {
		outputJSON(map[string]string{"name": name, "address": addr})
		return
	}
	fmt.Printf("Name:    %s\n", name)
	fmt.Printf("Address: %s\n", addr)
}

func cmdPing(profileName string) {
	cfg := loadConfig(profileName)
	client := profile.NewClient(cfg.ServerURL, cfg.AuthKey, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	ok, err := client.Ping(ctx)
	if err != nil {
		fatal(err)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "server answered but not with a pong")
		os.Exit(1)
	}
	fmt.Printf("pong from %s in %s\n", cfg.ServerURL, time.Since(start).Round(time.Millisecond))
}

// cmdSetup bootstraps a profile: server URL, auth key and a verification
// round trip, persisted to the profile's config.
func cmdSetup(profileName, serverURL string) {
	cfgPath := session.ConfigPath(profileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = &config.Config{}
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if cfg.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "usage: peerchat setup <server-url>")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := profile.NewClient(cfg.ServerURL, cfg.AuthKey, nil)
	if ok, err := client.Ping(ctx); err != nil || !ok {
		fmt.Fprintf(os.Stderr, "error: server %s is not reachable\n", cfg.ServerURL)
		os.Exit(1)
	}

	hasKey, err := client.HasAuthKey(ctx)
	if err != nil {
		fatal(err)
	}
	if !hasKey {
		key, err := client.CreateAuthKey(ctx, "")
		if err != nil {
			fatal(err)
		}
		if key == "" {
			fmt.Fprintln(os.Stderr, "error: server refused to create an auth key")
			os.Exit(1)
		}
		cfg.AuthKey = key
	} else if cfg.AuthKey == "" {
		fmt.Fprintln(os.Stderr, "error: server has an auth key but this profile does not know it")
		os.Exit(1)
	}

	// Verify the key before persisting.
	client = profile.NewClient(cfg.ServerURL, cfg.AuthKey, nil)
	ok, err := client.AuthTest(ctx)
	if err != nil {
		fatal(err)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "error: auth key was not accepted")
		os.Exit(1)
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Printf("profile %q configured for %s\n", profileName, cfg.ServerURL)
}
