package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/straja-ai/sentiment/internal/backend"
	"github.com/straja-ai/sentiment/internal/config"
)

func main() {
	cfgPath := flag.String("config", "sentiment.yaml", "path to config yaml")
	n := flag.Int("n", 200, "number of iterations")
	text := flag.String("text", "The film was slow at first, but the ending made it worth watching.", "text to classify")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// Single session keeps queueing noise out of the numbers.
	cfg.Model.Sessions = 1
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx := context.Background()
	model, err := backend.Open(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("open backend: %v", err)
	}
	defer model.Close()

	// Warmup
	for i := 0; i < 5; i++ {
		if _, err := model.Classify(ctx, *text); err != nil {
			log.Fatalf("warmup classify failed: %v", err)
		}
	}

	if *n <= 0 {
		*n = 1
	}

	durations := make([]time.Duration, 0, *n)
	var label string
	for i := 0; i < *n; i++ {
		start := time.Now()
		res, err := model.Classify(ctx, *text)
		if err != nil {
			log.Fatalf("classify failed: %v", err)
		}
		durations = append(durations, time.Since(start))
		label = res.Label.String()
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	p50 := float64(durations[len(durations)/2].Microseconds()) / 1000.0
	p95 := float64(durations[int(float64(len(durations))*0.95)].Microseconds()) / 1000.0

	fmt.Printf("bench: n=%d avg_ms=%.2f p50_ms=%.2f p95_ms=%.2f seq_len=%d backend=%s model=%s label=%s\n",
		len(durations),
		avg,
		p50,
		p95,
		cfg.Model.SeqLen,
		model.Backend(),
		model.ModelName(),
		label,
	)
}
