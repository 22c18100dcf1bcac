/*
Copyright 2025 GrowSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/verdantlabs/growsync"
	"github.com/verdantlabs/growsync/internal/telemetry"
	"github.com/verdantlabs/growsync/realtime"
)

// statusRouter builds the local read-only status surface exposed by the
// worker: live outbox listing, retry and cancel actions, health and metrics.
func statusRouter(g *syncInstance, processor *growsync.Processor) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", telemetry.Handler())

	r.Get("/outbox", func(w http.ResponseWriter, req *http.Request) {
		views, err := g.sync.Entries(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			logrus.Error(err)
		}
	})

	r.Post("/outbox/{entryID}/retry", func(w http.ResponseWriter, req *http.Request) {
		entryID := chi.URLParam(req, "entryID")
		if err := g.sync.RetryEntry(req.Context(), entryID); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		processor.Kick()
		w.WriteHeader(http.StatusAccepted)
	})

	r.Delete("/outbox/{entryID}", func(w http.ResponseWriter, req *http.Request) {
		entryID := chi.URLParam(req, "entryID")
		if err := g.sync.CancelEntry(req.Context(), entryID); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/kick", func(w http.ResponseWriter, req *http.Request) {
		processor.Kick()
		w.WriteHeader(http.StatusAccepted)
	})

	return r
}

// workerCommands defines the "workers" command: the outbox processor drain
// loop, the realtime reconciler when a Redis stream is configured, and the
// local status HTTP surface.
func workerCommands(g *syncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start the outbox processor and realtime reconciler",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			processor := growsync.NewProcessor(g.sync)
			processor.Start(ctx)
			defer processor.Stop()

			var reconciler *growsync.Reconciler
			if g.cnf.Realtime.RedisDns != "" {
				stream, err := realtime.NewRedisStream(g.cnf)
				if err != nil {
					log.Fatalf("could not connect realtime stream: %v", err)
				}
				defer func() {
					if err := stream.Close(); err != nil {
						logrus.Error(err)
					}
				}()

				reconciler = growsync.NewReconciler(g.sync, stream)
				reconciler.Start(ctx)
				defer reconciler.Stop()
			} else {
				logrus.Warn("No realtime Redis stream configured, running push-only")
			}

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%s", g.cnf.Server.Port),
				Handler:           statusRouter(g, processor),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				log.Printf("Status server listening on %s", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("could not start status server: %v", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logrus.Info("Shutting down workers")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logrus.Errorf("Error shutting down status server: %v", err)
			}
		},
	}

	return cmd
}
