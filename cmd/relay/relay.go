package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/edgecv/pkg/auth"
	"github.com/cyclopcam/edgecv/pkg/config"
	"github.com/cyclopcam/edgecv/relay"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("relay", "Room server for edgecv participants")

	serveCmd := parser.NewCommand("serve", "Run the relay")
	addr := serveCmd.String("", "addr", &argparse.Options{Help: "HTTP listen address", Default: ":7880"})
	serveFlags := config.AddFlags(serveCmd, "")
	joinsPerMinute := serveCmd.Int("", "joins", &argparse.Options{Help: "Maximum websocket joins per IP per minute", Default: relay.DefaultJoinsPerMinute})

	tokenCmd := parser.NewCommand("token", "Print an access token, for manual testing")
	tokenFlags := config.AddFlags(tokenCmd, "")
	ttl := tokenCmd.String("", "ttl", &argparse.Options{Help: "Token lifetime", Default: auth.DefaultTokenTTL.String()})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	if tokenCmd.Happened() {
		os.Exit(printToken(tokenFlags, *ttl))
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := keysConfig(serveFlags)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	srv := relay.NewServer(logger, map[string]string{cfg.APIKey: cfg.APISecret}, *joinsPerMinute)
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("ListenHTTP returned: %v", err)
		os.Exit(1)
	}
	<-srv.ShutdownComplete
}

// The relay only needs the API key and secret, not the URL or identity
func keysConfig(flags *config.Flags) (*config.Config, error) {
	if err := config.LoadEnvFile(*flags.EnvFile); err != nil {
		return nil, err
	}
	cfg := config.FromEnv(*flags.Identity)
	flags.Apply(cfg)
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%v and %v must be set", config.EnvAPIKey, config.EnvAPISecret)
	}
	return cfg, nil
}

func printToken(flags *config.Flags, ttlStr string) int {
	cfg, err := keysConfig(flags)
	if err != nil {
		fmt.Printf("%v\n", err)
		return 1
	}
	if cfg.Identity == "" {
		fmt.Printf("--identity is required\n")
		return 1
	}
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		fmt.Printf("Invalid --ttl: %v\n", err)
		return 1
	}
	token, err := auth.NewToken(cfg.APIKey, cfg.APISecret, cfg.Identity, cfg.Room, ttl)
	if err != nil {
		fmt.Printf("%v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
