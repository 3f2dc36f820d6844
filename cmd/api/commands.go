package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"portal/internal/app"
	"portal/internal/config"
	"portal/internal/db"
	"portal/internal/token"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "api",
		Short:         "Portal API server and operational tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(serveCmd(), migrateCmd(), tokenCmd(), versionCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := app.Build(ctx, app.Options{LoadDotEnv: true, RunMigrations: migrate})
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			server := &http.Server{
				Addr:         rt.Config.Server.Address(),
				Handler:      rt.Handler,
				ReadTimeout:  rt.Config.Server.ReadTimeout,
				WriteTimeout: rt.Config.Server.WriteTimeout,
				ErrorLog:     slog.NewLogLogger(rt.Logger.Slog().Handler(), slog.LevelError),
			}

			errCh := make(chan error, 1)
			go func() {
				rt.Logger.Info("server_start", map[string]any{"addr": server.Addr})
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					rt.Logger.Error("server_failed", map[string]any{"error": err.Error()})
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.Config.Server.ShutdownTimeout)
			defer cancel()
			rt.Logger.Info("server_shutdown", map[string]any{"timeout_ms": rt.Config.Server.ShutdownTimeout.Milliseconds()})
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(true)
			if err != nil {
				return err
			}
			if cfg.Store.Backend != "postgres" {
				return fmt.Errorf("migrate needs ACCOUNT_STORE=postgres, got %q", cfg.Store.Backend)
			}

			database, err := app.OpenDatabase(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer database.Close()

			out := cmd.OutOrStdout()
			if statusOnly {
				status, err := db.Status(cmd.Context(), database)
				if err != nil {
					return err
				}
				for _, m := range status {
					state := "pending"
					if m.Applied {
						state = "applied"
					}
					fmt.Fprintf(out, "%-40s %s\n", m.Version, state)
				}
				return nil
			}

			applied, err := db.RunMigrations(cmd.Context(), database)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "no pending migrations")
			}
			for _, version := range applied {
				fmt.Fprintf(out, "applied %s\n", version)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "List migrations without applying them")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign and inspect access tokens",
	}
	cmd.AddCommand(tokenSignCmd(), tokenInspectCmd())
	return cmd
}

func tokenSignCmd() *cobra.Command {
	var (
		userID int64
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a token for an account id with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return errors.New("--id must be a positive account id")
			}
			cfg, err := config.Load(true)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.AccessTokenTTL
			}

			signed, err := token.NewSigner(cfg.Auth.JWTSecret).Sign(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "id", 0, "Account id to put in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to ACCESS_TOKEN_TTL)")
	return cmd
}

type inspection struct {
	ValidShape     bool          `json:"valid_shape"`
	Claims         *token.Claims `json:"claims,omitempty"`
	DecodeError    string        `json:"decode_error,omitempty"`
	Expired        bool          `json:"expired"`
	ExpiringSoon   bool          `json:"expiring_soon"`
	SignatureValid *bool         `json:"signature_valid,omitempty"`
}

func inspect(raw string, window time.Duration, now time.Time) inspection {
	result := inspection{
		ValidShape:   token.IsValidShape(raw),
		Expired:      token.IsExpiredAt(raw, now),
		ExpiringSoon: token.IsExpiringSoonAt(raw, window, now),
	}

	claims, err := token.Decode(raw)
	if err != nil {
		result.DecodeError = err.Error()
	} else {
		result.Claims = &claims
	}
	return result
}

func tokenInspectCmd() *cobra.Command {
	var (
		window time.Duration
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Decode a token and report its lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result := inspect(args[0], window, time.Now())

			if verify {
				cfg, err := config.Load(true)
				if err != nil {
					return err
				}
				_, err = token.NewSigner(cfg.Auth.JWTSecret).Verify(args[0])
				valid := err == nil
				result.SignatureValid = &valid
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}

	cmd.Flags().DurationVar(&window, "window", token.DefaultRefreshWindow, "Refresh window used for expiring_soon")
	cmd.Flags().BoolVar(&verify, "verify", false, "Also verify the signature with JWT_SECRET")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.Version)
		},
	}
}
