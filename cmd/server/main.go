package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"primebud.com/primebud-chat/internal/api"
	"primebud.com/primebud-chat/internal/auth"
	"primebud.com/primebud-chat/internal/core"
	"primebud.com/primebud-chat/internal/dispatch"
	"primebud.com/primebud-chat/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "server",
		Short:        "PrimeBud chat gateway",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "modes",
			Short: "List the configured response modes",
			RunE:  runModes,
		},
		askCmd(),
	)
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	dbStore, err := store.Open(cfg.StoreBackend, cfg.DBDriver, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer dbStore.Close()

	hasher, err := auth.NewPasswordHasher(cfg.PasswordHash)
	if err != nil {
		return err
	}

	chatService := core.NewChatService(dbStore, hasher, a.dispatcher, a.registry, logger.Named("chat"))
	chatService.SetRequestTimeout(cfg.RequestTimeout)
	if a.images != nil {
		chatService.SetImageGenerator(a.images)
	}

	apiHandler := api.NewAPIHandler(chatService, auth.NewTokenIssuer(cfg.JWTSecret, auth.DefaultTokenTTL), logger.Named("http"))
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg.RequestTimeout),
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", serverAddr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	case <-quit:
	}
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exiting gracefully")
	return nil
}

// writeTimeout leaves room past the turn deadline for streamed turns. With
// no turn deadline there is no write deadline either.
func writeTimeout(requestTimeout time.Duration) time.Duration {
	if requestTimeout <= 0 {
		return 0
	}
	return requestTimeout + 30*time.Second
}

func runModes(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tLABEL\tPROVIDER\tMODEL\tTEMP\tMAX TOKENS")
	for _, p := range a.registry.Presets() {
		provider, model := p.Provider, p.Model
		if p.Pipeline != "" {
			provider, model = "pipeline", p.Pipeline
		}
		marker := ""
		if p.Key == a.registry.DefaultKey() {
			marker = " (default)"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\t%.2f\t%d\n", p.Key, marker, p.Label, provider, model, p.Temperature, p.MaxTokens)
	}
	return tw.Flush()
}

func askCmd() *cobra.Command {
	var mode, profile string
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Send one question and stream the answer to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if a.cfg.RequestTimeout > 0 {
				var cancelTimeout context.CancelFunc
				ctx, cancelTimeout = context.WithTimeout(ctx, a.cfg.RequestTimeout)
				defer cancelTimeout()
			}

			out := cmd.OutOrStdout()
			reply := a.dispatcher.Stream(ctx, dispatch.Turn{
				Mode:    mode,
				Profile: profile,
				Input:   strings.Join(args, " "),
			}, func(fragment string) {
				fmt.Fprint(out, fragment)
			})
			if reply.Failed {
				fmt.Fprintln(cmd.ErrOrStderr(), reply.Text)
				return errors.New("request failed")
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "response mode (default: configured default mode)")
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "optional persona profile")
	return cmd
}
