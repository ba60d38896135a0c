// Command acme-dns-metaname presents or cleans up a single ACME dns-01
// challenge record by hand. It exists for hook-style certificate tooling and
// for verifying account credentials; ACME hosts use the library directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/term"

	acmedns "github.com/metaname/acme-dns-metaname"
	"github.com/metaname/acme-dns-metaname/internal/config"
)

var Version = "dev"

var flags = struct {
	Credentials string
	Timeout     time.Duration
	Verbose     bool
}{}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <present|cleanup> <domain> <validation-value>\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.StringVar(&flags.Credentials, "credentials", "", "path to the Metaname credentials YAML file (default $METANAME_CREDENTIALS_PATH, then metaname.yaml)")
	flag.DurationVar(&flags.Timeout, "timeout", 2*time.Minute, "overall operation timeout")
	flag.BoolVar(&flags.Verbose, "v", false, "enable verbose logging")
	flag.Usage = usage
	flag.Parse()

	zcfg := zap.NewProductionConfig()
	if flags.Verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zlog, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: building logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	if err := run(zapr.NewLogger(zlog)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(log logr.Logger) error {
	if flag.NArg() != 3 {
		usage()
		return fmt.Errorf("expected <present|cleanup> <domain> <validation-value>")
	}
	mode, domain, value := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	log.Info("starting acme-dns-metaname", "version", Version, "mode", mode, "domain", domain)

	var cfg *config.Config
	var err error
	if flags.Credentials != "" {
		cfg, err = config.LoadFromPath(flags.Credentials)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("unable to load credentials: %w", err)
	}

	if cfg.APIKey == "" {
		cfg.APIKey, err = promptAPIKey()
		if err != nil {
			return err
		}
	}

	opts := []acmedns.Option{acmedns.WithLogger(log)}
	if cfg.Endpoint != "" {
		opts = append(opts, acmedns.WithEndpoint(cfg.Endpoint))
	}
	if cfg.TTL > 0 {
		opts = append(opts, acmedns.WithTTL(cfg.TTL))
	}
	if cfg.PropagationAttempts > 0 {
		interval, err := cfg.Interval()
		if err != nil {
			return err
		}
		opts = append(opts, acmedns.WithPropagationCheck(cfg.PropagationAttempts, interval))
	}

	auth, err := acmedns.New(acmedns.Credentials{
		AccountReference: cfg.AccountReference,
		APIKey:           cfg.APIKey,
	}, opts...)
	if err != nil {
		return fmt.Errorf("unable to create authenticator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()

	challenges := []acmedns.Challenge{{Domain: domain, Value: value}}

	switch mode {
	case "present":
		for _, outcome := range auth.Present(ctx, challenges) {
			if outcome.Err != nil {
				return outcome.Err
			}
			log.Info("challenge record present", "domain", outcome.Domain)
		}
	case "cleanup":
		auth.CleanUp(ctx, challenges)
		log.Info("cleanup finished", "domain", domain)
	default:
		usage()
		return fmt.Errorf("unknown mode %q", mode)
	}

	return nil
}

// promptAPIKey reads the API key from the terminal without echoing it. A
// credentials file without an api_key is only usable interactively.
func promptAPIKey() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("credentials file has no api_key and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Metaname API key: ")
	key, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading API key: %w", err)
	}
	if len(key) == 0 {
		return "", fmt.Errorf("no API key entered")
	}
	return strings.TrimSpace(string(key)), nil
}
