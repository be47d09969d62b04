package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sentryctl/sentryctl/internal/approval"
	"github.com/sentryctl/sentryctl/internal/config"
	"github.com/sentryctl/sentryctl/internal/coordinator"
	"github.com/sentryctl/sentryctl/internal/credstore"
	"github.com/sentryctl/sentryctl/internal/execmanager"
	"github.com/sentryctl/sentryctl/internal/intent"
	"github.com/sentryctl/sentryctl/internal/knowledge"
	"github.com/sentryctl/sentryctl/internal/policy"
	"github.com/sentryctl/sentryctl/internal/policygate"
	"github.com/sentryctl/sentryctl/internal/registry"
)

// Version information, set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "sentryctl",
	Short:   "sentryctl - AI-assisted security testing orchestrator",
	Long:    `sentryctl resolves natural-language testing intents into gated, auditable tool invocations against a target the operator authorizes.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sentryctl %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Open the Knowledge Store once to apply schema migrations, then exit",
	Run: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		cfg, err := config.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
		store, err := knowledge.Open(cfg.KnowledgeDBPath())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open knowledge store")
		}
		defer store.Close()
		log.Info().Str("path", cfg.KnowledgeDBPath()).Msg("knowledge store migrated")
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().Msg("starting sentryctl orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.SessionRoot(), 0o750); err != nil {
		log.Fatal().Err(err).Msg("failed to create session root")
	}

	store, err := knowledge.Open(cfg.KnowledgeDBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open knowledge store")
	}
	defer store.Close()

	reg := registryFromConfig(cfg)

	var toolDefsWatcher *config.Watcher
	if cfg.ToolDefsOverridePath != "" {
		toolDefsWatcher, err = config.NewWatcher(cfg.ToolDefsOverridePath, func() {
			defs, err := registry.LoadOverrideFile(cfg.ToolDefsOverridePath)
			if err != nil {
				log.Warn().Err(err).Msg("tooldefs override: failed to parse, keeping current registry")
				return
			}
			if err := reg.Reload(defs); err != nil {
				log.Warn().Err(err).Msg("tooldefs override: rejected, keeping current registry")
				return
			}
			log.Info().Int("tactics", len(reg.Tactics())).Msg("tooldefs override: registry reloaded")
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to watch tooldefs override path, changes will require restart")
		} else {
			defer toolDefsWatcher.Stop()
		}
	}

	p := policy.New(nil, nil)
	approvals := approval.NewStore(approval.Config{
		DefaultTimeout: cfg.ApprovalTimeout,
		MaxPending:     cfg.MaxPendingApprovals,
	})
	gate := policygate.New(p, approvals)

	execMgr := execmanager.New(execmanager.Config{
		ProbeTTL:                 cfg.ProbeTTL,
		SessionTempRoot:          cfg.SessionRoot(),
		MaxConcurrentInvocations: cfg.MaxConcurrentInvocations,
	})

	breaker := intent.NewBreaker(intent.DefaultBreakerConfig())
	collaborator := intent.NewHTTPCollaborator(cfg.CollaboratorBaseURL, cfg.CollaboratorAPIKey, cfg.CollaboratorModel)
	resolver := intent.New(collaborator, breaker)

	hub := coordinator.NewHub(originChecker(cfg))

	coord := coordinator.New(coordinator.Config{
		Resolver:          resolver,
		Registry:          reg,
		Gate:              gate,
		Approvals:         approvals,
		ExecManager:       execMgr,
		Store:             store,
		Hub:               hub,
		SessionRoot:       cfg.SessionRoot(),
		InvocationTimeout: cfg.InvocationTimeout,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/submit", submitHandler(coord))
	mux.HandleFunc("/approve", approveHandler(coord))
	mux.HandleFunc("/deny", denyHandler(coord))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("received SIGHUP, reloading configuration")
			if reloaded, err := config.Load(); err != nil {
				log.Error().Err(err).Msg("failed to reload configuration")
			} else {
				cfg = reloaded
				log.Info().Msg("configuration reloaded")
			}
		case <-sigChan:
			log.Info().Msg("shutting down")
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	log.Info().Msg("server stopped")
}

// registryFromConfig builds the production Registry, wiring the hydra
// credential parser to a real Sealer whenever an encryption passphrase
// is configured. Without one, credential hits are discarded rather than
// risk landing in the Knowledge Store as plaintext.
func registryFromConfig(cfg *config.Config) *registry.Registry {
	if cfg.CredentialEncryptionPassphrase == "" {
		log.Warn().Msg("SENTRYCTL_CREDENTIAL_PASSPHRASE not set, credential brute-force hits will not be recorded")
		return registry.Default()
	}
	sealer, err := credstore.NewSealer(cfg.CredentialEncryptionPassphrase)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential sealer")
	}
	return registry.DefaultWithSealer(sealer)
}

func originChecker(cfg *config.Config) func(r *http.Request) bool {
	allowlist := cfg.OriginAllowlist()
	if len(allowlist) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, allowed := range allowlist {
			if strings.EqualFold(strings.TrimSpace(allowed), origin) {
				return true
			}
		}
		return false
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type submitRequest struct {
	ExecutionID string `json:"execution_id"`
	Text        string `json:"text"`
}

func submitHandler(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := coord.Submit(r.Context(), req.ExecutionID, req.Text); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type approveRequest struct {
	ApprovalID string `json:"approval_id"`
	ApprovedBy string `json:"approved_by"`
}

func approveHandler(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req approveRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := coord.Approve(r.Context(), req.ApprovalID, req.ApprovedBy); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type denyRequest struct {
	ApprovalID string `json:"approval_id"`
	DeniedBy   string `json:"denied_by"`
	Reason     string `json:"reason"`
}

func denyHandler(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req denyRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := coord.Deny(req.ApprovalID, req.DeniedBy, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
