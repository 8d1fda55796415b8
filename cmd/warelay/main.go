package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/warelay/internal/agent"
	"github.com/gosuda/warelay/internal/agent/backends"
	"github.com/gosuda/warelay/internal/agent/proc"
	"github.com/gosuda/warelay/internal/auth"
	"github.com/gosuda/warelay/internal/config"
	"github.com/gosuda/warelay/internal/relay"
	"github.com/gosuda/warelay/internal/server"
	"github.com/gosuda/warelay/internal/session"
	redisstore "github.com/gosuda/warelay/internal/store/redis"
)

const usage = `usage: warelay <command> [flags]

commands:
  serve              run the HTTP relay
  ask [prompt]       send one prompt to the configured agent (reads stdin when no prompt is given)
  token -sub S       issue an API bearer token
`

var errUsage = errors.New("invalid usage") //nolint:gochecknoglobals // sentinel error

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			color.New(color.FgRed).Fprintf(os.Stderr, "%v\n\n", err)
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("warelay failed")
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	switch args[0] {
	case "serve":
		return serve(cfg)
	case "ask":
		return ask(cfg, args[1:])
	case "token":
		return token(cfg, args[1:])
	default:
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// relayDeps are the runtime pieces shared by serve and ask.
type relayDeps struct {
	registry *agent.Registry
	runner   *relay.Runner
	cache    *proc.Cache
	pubsub   *redisstore.PubSub
	sessions *session.MemoryStore // nil when sessions live in Redis
}

func (d *relayDeps) Close() {
	d.cache.Reset()
	if d.pubsub != nil {
		if err := d.pubsub.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close failed")
		}
	}
}

func newRelay(ctx context.Context, cfg *config.Config) (*relayDeps, error) {
	deps := &relayDeps{
		registry: backends.NewRegistry(),
		cache:    proc.NewCache(proc.WithIdleWindow(cfg.Agent.RPCIdle)),
	}

	var sessions session.Store
	opts := []relay.RunnerOption{relay.WithCache(deps.cache)}

	if cfg.Redis.Enabled() {
		pubsub, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		deps.pubsub = pubsub
		sessions = pubsub.Sessions(cfg.Relay.SessionIdle)
		opts = append(opts, relay.WithPublisher(pubsub))
	} else {
		deps.sessions = session.NewMemoryStore(cfg.Relay.SessionIdle)
		sessions = deps.sessions
	}

	runner, err := relay.NewRunner(deps.registry, sessions, relay.Config{
		Agent:          cfg.Agent.Kind,
		Command:        cfg.Agent.Command,
		Cwd:            cfg.Agent.Cwd,
		Timeout:        cfg.Agent.Timeout,
		IdentityPrefix: cfg.Agent.IdentityPrefix,
		SendSystemOnce: cfg.Agent.SendSystemOnce,
		ResetTriggers:  cfg.Relay.ResetTriggers,
	}, opts...)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.runner = runner
	return deps, nil
}

func serve(cfg *config.Config) error {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rd, err := newRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer rd.Close()

	if rd.sessions != nil {
		stopSweeper, sweepErr := session.StartSweeper(rd.sessions, cfg.Relay.SweepSchedule)
		if sweepErr != nil {
			return sweepErr
		}
		defer stopSweeper()
	}

	deps := server.Deps{
		Replier: rd.runner,
		Catalog: rd.registry,
	}
	if rd.pubsub != nil {
		deps.PubSub = rd.pubsub
	}

	srv := server.New(ctx, cfg, deps)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("agent", string(cfg.Agent.Kind)).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}

func ask(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	sessionKey := fs.String("session", "cli", "session key to continue")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	prompt := strings.Join(fs.Args(), " ")
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		prompt = string(data)
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("empty prompt: %w", errUsage)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rd, err := newRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer rd.Close()

	reply, err := rd.runner.Reply(ctx, relay.Request{
		SessionKey: *sessionKey,
		Body:       prompt,
		From:       "cli",
	})
	if err != nil {
		return err
	}

	for _, text := range reply.Texts {
		fmt.Println(text)
	}

	gray := color.New(color.FgHiBlack)
	if reply.Reset {
		gray.Fprintln(os.Stderr, "session reset")
		return nil
	}
	status := "continued"
	if reply.IsNewSession {
		status = "new"
	}
	gray.Fprintf(os.Stderr, "%s · session %s (%s)", rd.runner.Agent(), reply.SessionID, status)
	if reply.Meta != nil && reply.Meta.Extra != nil && reply.Meta.Extra.Summary != "" {
		gray.Fprintf(os.Stderr, " · %s", reply.Meta.Extra.Summary)
	}
	fmt.Fprintln(os.Stderr)
	return nil
}

func token(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "token subject")
	role := fs.String("role", auth.RoleOperator, "admin, operator or viewer")
	ttl := fs.Duration("ttl", cfg.Auth.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *subject == "" {
		return fmt.Errorf("-sub is required: %w", errUsage)
	}
	if cfg.Auth.Secret == "" {
		return errors.New("WARELAY_API_SECRET is not set")
	}

	tok, err := auth.IssueToken(cfg.Auth.Secret, *subject, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
