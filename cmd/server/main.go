/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the conversation coaching engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire the domain services (ledger, evidence store, aggregator, narrator)
  4. Start the pipeline worker pool and the aggregation scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: coach.db)
                  Use ":memory:" for in-memory database
  -workers        Pipeline worker count (default: 4)
  -retry-ceiling  Automatic retries before the operator queue (default: 3)
  -topk           Worst/best conversations kept per aggregate (default: 3)

EXTERNAL SERVICES:
  The analytics, retrieval, model and narrator collaborators are wired to
  the deterministic in-repo mocks. Production deployments swap in real
  adapters behind the same interfaces.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and the pipeline workers
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/coach.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - pipeline/pipeline.go: Worker pool
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/coach-engine/api"
	"github.com/warp/coach-engine/coach"
	"github.com/warp/coach-engine/pipeline"
	"github.com/warp/coach-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "coach.db", "SQLite database path")
	workers := flag.Int("workers", pipeline.DefaultWorkers, "pipeline worker count")
	retryCeiling := flag.Int("retry-ceiling", coach.DefaultRetryCeiling, "automatic retries before the operator queue")
	topK := flag.Int("topk", coach.DefaultTopK, "worst/best conversations kept per aggregate")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Domain services
	ledger := coach.NewLedger(store)
	ledger.RetryCeiling = *retryCeiling

	evidence := coach.NewEvidenceStore(store, store, ledger)
	citations := coach.NewCitationTracker(store, store)

	aggregator := coach.NewAggregator(store, store)
	aggregator.TopK = *topK

	narrator := coach.NewNarrator(&pipeline.MockNarrator{}, store)

	// Pipeline worker pool (mock external services; see pipeline/mocks.go)
	pipe := pipeline.New(ledger, evidence, pipeline.NewMockEnricher(), &pipeline.MockRetriever{}, &pipeline.MockCoachModel{})
	pipe.Workers = *workers

	pipeCtx, stopPipe := context.WithCancel(context.Background())
	go pipe.Run(pipeCtx)

	// Aggregation scheduler
	scheduler := api.NewAggregationScheduler(store, aggregator, narrator)
	scheduler.Start()

	// Create router
	handler := api.NewHandler(ledger, evidence, citations, store, aggregator)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	scheduler.Stop()
	stopPipe()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
