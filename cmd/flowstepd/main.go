package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowstep/flowstep-go/pkg/flowstep"
	"github.com/flowstep/flowstep-go/pkg/step"
)

func main() {
	initConfig()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowstepd",
	Short: "flowstepd - durable function demo server",
	Long: `flowstepd serves a demo app of durable functions over the flowstep
execution protocol.

Point a dev server or Executor at its serve path and trigger the demo
functions by sending events. Each function's step state survives process
restarts because the Executor owns it; flowstepd only replays and reports.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server hosting the demo functions.

The server will:
- Register the demo durable functions
- Serve the execution protocol at the configured serve path
- Expose realtime run progress at <serve path>/realtime/{runID}
- Push function configuration to the control plane on PUT <serve path>`,
	Run: func(cmd *cobra.Command, args []string) {
		port := viper.GetString("server.port")
		startServer(port)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("port", "p", "8080", "Port to listen on")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	serveCmd.Flags().Bool("dev", false, "Force dev mode (no request authentication)")
	viper.BindPFlag("server.dev", serveCmd.Flags().Lookup("dev"))
}

// initConfig initializes Viper configuration
func initConfig() {
	viper.SetConfigName("flowstep")
	viper.SetConfigType("yaml")

	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.flowstep")
	viper.AddConfigPath("/etc/flowstep")

	viper.AutomaticEnv()

	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("server.dev", "INNGEST_DEV")
	viper.BindEnv("app.id", "FLOWSTEP_APP_ID")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("app.id", "flowstep-demo")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; use defaults and env vars.
		} else {
			log.Printf("Error reading config file: %v", err)
		}
	}
}

func startServer(port string) {
	dev := viper.GetBool("server.dev")
	client, err := flowstep.NewClient(flowstep.Opts{
		AppID: viper.GetString("app.id"),
		Dev:   &dev,
	})
	if err != nil {
		log.Fatalf("building client: %v", err)
	}

	if err := registerDemoFunctions(client); err != nil {
		log.Fatalf("registering functions: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	r.Mount("/api/flowstep", client.Serve())

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// registerDemoFunctions wires a small order-processing workflow exercising
// the step tools.
func registerDemoFunctions(client *flowstep.Client) error {
	_, err := client.CreateFunction(
		flowstep.FunctionOpts{ID: "process-order", Name: "Process order", Retries: 3},
		[]flowstep.Trigger{{Event: "shop/order.created"}},
		func(ctx context.Context, fctx flowstep.FunctionContext) (any, error) {
			order, err := step.Run(ctx, "reserve-stock", func(ctx context.Context) (map[string]any, error) {
				return map[string]any{"reserved": true}, nil
			})
			if err != nil {
				return nil, err
			}

			payment, err := step.WaitForEvent[flowstep.Event](ctx, "await-payment", step.WaitForEventOpts{
				Event:   "shop/order.paid",
				Timeout: "24h",
				Match:   "data.orderId",
			})
			if errors.Is(err, step.ErrEventNotReceived) {
				if _, serr := step.SendEvent(ctx, "notify-expired", flowstep.Event{Name: "shop/order.expired"}); serr != nil {
					return nil, serr
				}
				return map[string]any{"status": "expired"}, nil
			}
			if err != nil {
				return nil, err
			}

			if _, err := step.Publish(ctx, "progress", fctx.RunID, map[string]any{"stage": "paid"}); err != nil {
				return nil, err
			}

			if err := step.Sleep(ctx, "settle-delay", "1m"); err != nil {
				return nil, err
			}

			return map[string]any{
				"status":  "fulfilled",
				"order":   order,
				"payment": payment.Name,
			}, nil
		},
	)
	if err != nil {
		return err
	}

	_, err = client.CreateFunction(
		flowstep.FunctionOpts{ID: "daily-report", Name: "Daily report"},
		[]flowstep.Trigger{{Cron: "0 6 * * *"}},
		func(ctx context.Context, fctx flowstep.FunctionContext) (any, error) {
			count, err := step.Run(ctx, "count-orders", func(ctx context.Context) (int, error) {
				return 0, nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]int{"orders": count}, nil
		},
	)
	return err
}
