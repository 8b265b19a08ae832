// Package main serves sample ctxvault metrics so Grafana dashboards can be
// built without a live deployment. It drives the same collectors the health
// and cleanup packages register.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyrsmithlabs/ctxvault/internal/cleanup"
	"github.com/fyrsmithlabs/ctxvault/internal/health"
)

var (
	checkResults = []string{"ok", "ok", "ok", "corrupt", "error"}
	actions      = []string{
		health.ActionArchived,
		health.ActionArchiveRecommended,
		health.ActionArchiveDeferred,
		health.ActionArchiveFailed,
		health.ActionFlaggedForIntervene,
	}
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	generateSampleData()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go generateContinuousData(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	fmt.Printf("Sample metrics server running on http://localhost:%s/metrics\n", port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("\nTo use with Prometheus, add this to prometheus.yml:")
	fmt.Printf("  - job_name: 'ctxvault-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func generateSampleData() {
	health.SchedulerRunning.Set(1)
	for i := 0; i < 50; i++ {
		evaluationPass()
	}
	for i := 0; i < 10; i++ {
		sweep()
	}
}

func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evaluationPass()
			if rand.Float64() > 0.8 {
				sweep()
			}
		}
	}
}

// evaluationPass simulates one background health pass over a drifting
// population of live contexts.
func evaluationPass() {
	total := 20 + rand.Intn(30)
	critical := rand.Intn(total / 5)
	warning := rand.Intn(total / 4)
	good := rand.Intn(total - critical - warning)
	excellent := total - critical - warning - good

	health.ContextsByLevel.WithLabelValues(string(health.LevelExcellent)).Set(float64(excellent))
	health.ContextsByLevel.WithLabelValues(string(health.LevelGood)).Set(float64(good))
	health.ContextsByLevel.WithLabelValues(string(health.LevelWarning)).Set(float64(warning))
	health.ContextsByLevel.WithLabelValues(string(health.LevelCritical)).Set(float64(critical))

	health.EvaluationDuration.Observe(0.01 + rand.Float64()*float64(total)/100)
	if rand.Float64() > 0.95 {
		health.EvaluationsTotal.WithLabelValues("error").Inc()
	} else {
		health.EvaluationsTotal.WithLabelValues("success").Inc()
	}

	for i := 0; i < critical; i++ {
		health.MaintenanceActions.WithLabelValues(randomChoice(actions)).Inc()
	}
	if rand.Float64() > 0.5 {
		health.ArchiveChecks.WithLabelValues(randomChoice(checkResults)).Inc()
	}
}

// sweep simulates one retention sweep.
func sweep() {
	if rand.Float64() > 0.9 {
		cleanup.SweepsTotal.WithLabelValues("error").Inc()
		return
	}
	deleted := rand.Intn(8)
	cleanup.DeletedTotal.Add(float64(deleted))
	cleanup.FreedBytesTotal.Add(float64(deleted * (4096 + rand.Intn(64*1024))))
	if rand.Float64() > 0.85 {
		cleanup.ItemErrorsTotal.Inc()
		cleanup.SweepsTotal.WithLabelValues("partial").Inc()
		return
	}
	cleanup.SweepsTotal.WithLabelValues("success").Inc()
}

func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
