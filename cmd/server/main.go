package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ignite/envelope/internal/agent"
	"github.com/ignite/envelope/internal/api"
	"github.com/ignite/envelope/internal/config"
	"github.com/ignite/envelope/internal/crypto"
	"github.com/ignite/envelope/internal/discovery"
	"github.com/ignite/envelope/internal/embeddings"
	"github.com/ignite/envelope/internal/imapclient"
	"github.com/ignite/envelope/internal/smtp"
	"github.com/ignite/envelope/internal/store"
	"github.com/ignite/envelope/internal/worker"
)

func main() {
	// A missing .env is fine; environment variables win either way.
	_ = godotenv.Load()

	log := newLogger()

	cfg, err := config.Load(os.Getenv("ENVELOPE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	box, err := crypto.NewBox(cfg.SecretKey)
	if err != nil {
		log.Fatal().Err(err).Msg("init credential envelope")
	}

	st, err := store.Open(cfg.Store.Path, box)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}

	pool := smtp.NewPool(smtp.Dial, smtp.PoolConfig{
		MaxPerAccount: cfg.Pool.MaxConnectionsPerAccount,
		MaxIdle:       time.Duration(cfg.Pool.MaxIdleSeconds) * time.Second,
		MaxLifetime:   time.Duration(cfg.Pool.MaxLifetimeSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Pool.CleanupIntervalSeconds) * time.Second,
		NoopCheck:     cfg.Pool.NoopCheck(),
	}, log)

	sender := &worker.Sender{Store: st, Pool: pool, Log: log}
	sendWorker := worker.NewSendWorker(sender, st, log)
	if err := sendWorker.Start(); err != nil {
		log.Fatal().Err(err).Msg("start send worker")
	}

	scheduler := worker.NewDraftScheduler(st, sendWorker, log)
	scheduler.Start()

	handlers := api.NewHandlers(st, sender, sendWorker, scheduler, pool, discovery.New(log), log)
	handlers.SetMailboxFactory(mailboxFactory(st, log))

	var inboxAgent *agent.InboxAgent
	if cfg.Agent.Enabled {
		inboxAgent, err = buildAgent(cfg, st, sender, log)
		if err != nil {
			log.Fatal().Err(err).Msg("start inbox agent")
		}
		inboxAgent.Start()
		handlers.SetAgent(inboxAgent)
	}

	server := api.NewServer(handlers)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		errCh <- server.ListenAndServe(addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server stopped")
	}

	// Shutdown order mirrors startup in reverse: stop accepting requests,
	// stop the loops, drain the worker, then release the shared resources.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if inboxAgent != nil {
		inboxAgent.Stop()
	}
	scheduler.Stop()
	sendWorker.Stop()
	pool.Close()
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("close store")
	}
	log.Info().Msg("bye")
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	var out = os.Stdout
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}
	return logger
}

// mailboxFactory opens a retrieval client with the account's resolved IMAP
// credentials.
func mailboxFactory(st *store.Store, log zerolog.Logger) api.MailboxFactory {
	return func(accountID string) (api.Mailbox, error) {
		creds, err := st.GetAccountWithCredentials(accountID)
		if err != nil {
			return nil, err
		}
		return imapclient.New(creds.IMAPHost, creds.IMAPPort,
			creds.EffectiveIMAPUsername, creds.EffectiveIMAPPassword, log), nil
	}
}

func buildAgent(cfg *config.Config, st *store.Store, sender *worker.Sender, log zerolog.Logger) (*agent.InboxAgent, error) {
	creds, err := st.GetAccountWithCredentials(cfg.Agent.AccountID)
	if err != nil {
		return nil, fmt.Errorf("agent account: %w", err)
	}
	mailbox := imapclient.New(creds.IMAPHost, creds.IMAPPort,
		creds.EffectiveIMAPUsername, creds.EffectiveIMAPPassword, log)

	llm := agent.NewLLMClient(cfg.LLM)

	var sim agent.SimilarityIndex
	if cfg.LLM.APIKey != "" {
		sim = embeddings.NewService(st, llm, cfg.LLM.EmbeddingModel, log)
	}

	agentCfg := cfg.Agent
	if agentCfg.SendFrom == "" {
		agentCfg.SendFrom = creds.Username
	}
	return agent.New(agentCfg, st, mailbox, llm, sim, sender, log), nil
}
