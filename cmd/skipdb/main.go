// Package main implements the skipdb server, a thin HTTP surface over
// an embedded skipdb store for operating and inspecting it.
//
// The server is intentionally small: the store is an embedded library,
// and everything interesting (shard splits, recovery, routing) happens
// inside it. The HTTP layer only maps methods onto store operations.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              skipdb server               │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Liveness check       │
//	│    /info         - Per-shard statistics │
//	│    /data/{key}   - GET / PUT / DELETE   │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    skipdb.DB     - shard table + router │
//	│    shard files   - <dir>/sl-*.{meta,    │
//	│                    data}                │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - SKIPDB_DIR: Data directory (default: "./skipdb-data")
//   - SKIPDB_LISTEN: Listen address (default: ":8080")
//   - SKIPDB_P: Skiplist level probability (default: 0.25)
//
// Example usage:
//
//	# Start the server
//	SKIPDB_DIR=/var/lib/skipdb ./skipdb
//
//	# Store, read, and delete a value (values are decimal uint64)
//	curl -X PUT localhost:8080/data/user:123 -d '42'
//	curl localhost:8080/data/user:123
//	curl -X DELETE localhost:8080/data/user:123
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dreamware/skipdb/internal/shard"
	"github.com/dreamware/skipdb/internal/skipdb"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

// shutdownTimeout bounds how long a graceful shutdown may take before
// in-flight requests are abandoned.
const shutdownTimeout = 5 * time.Second

// Server bundles the store with its HTTP handlers.
type Server struct {
	db *skipdb.DB
}

// NewServer wraps an open DB.
func NewServer(db *skipdb.DB) *Server {
	return &Server{db: db}
}

// routes registers every endpoint on mux.
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/data/", s.handleData)
}

// handleHealth answers liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleInfo returns per-shard statistics as JSON, ordered by key range.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Shards []skipdb.ShardInfo `json:"shards"`
	}{Shards: s.db.Stats()})
}

// handleData maps GET/PUT/DELETE onto the store. The key is the path
// remainder after /data/; the value is a decimal uint64 in the body.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/data/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := s.db.Get([]byte(key))
		if errors.Is(err, shard.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write([]byte(strconv.FormatUint(value, 10)))

	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}
		value, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
		if err != nil {
			http.Error(w, "body must be a decimal uint64", http.StatusBadRequest)
			return
		}
		if err := s.db.Put([]byte(key), value); err != nil {
			if errors.Is(err, shard.ErrKeyTooLong) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := s.db.Delete([]byte(key)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// envOr returns the environment value for key, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	dir := envOr("SKIPDB_DIR", "./skipdb-data")
	listen := envOr("SKIPDB_LISTEN", ":8080")

	opts := shard.Options{}
	if v := os.Getenv("SKIPDB_P"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil || p < 0 || p >= 1 {
			logFatal("Invalid SKIPDB_P %q: must be a float in [0, 1)", v)
			return
		}
		opts.P = p
	}

	db, err := skipdb.Open(dir, opts)
	if err != nil {
		logFatal("Failed to open store in %s: %v", dir, err)
		return
	}

	mux := http.NewServeMux()
	NewServer(db).routes(mux)
	server := &http.Server{Addr: listen, Handler: mux}

	// Serve until interrupted, then drain in-flight requests and close
	// the store (which joins any splits still running).
	done := make(chan struct{})
	go func() {
		defer close(done)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		log.Printf("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}()

	log.Printf("skipdb serving %s from %s", listen, dir)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logFatal("Server failed: %v", err)
		return
	}
	<-done

	if err := db.Close(); err != nil {
		log.Printf("Store close: %v", err)
	}
}
