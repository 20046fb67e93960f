package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"eventgate/internal/logger"
	"eventgate/pkg/middleware"
)

type seedOptions struct {
	url          string
	requests     int
	batch        int
	concurrency  int
	users        int
	invalidRatio float64
	seed         int64
	days         int
	logLevel     string
}

func main() {
	var opts seedOptions

	rootCmd := &cobra.Command{
		Use:   "event-seeder",
		Short: "Send fake engagement events to the gateway",
		Long:  "Event seeder generates Facebook and TikTok events and streams them to the gateway as JSON arrays",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.url, "url", "http://localhost:3000/events", "Gateway ingest endpoint")
	flags.IntVar(&opts.requests, "requests", 10, "Number of requests to send")
	flags.IntVar(&opts.batch, "batch", 1000, "Events per request")
	flags.IntVar(&opts.concurrency, "concurrency", 4, "Requests in flight")
	flags.IntVar(&opts.users, "users", 500, "Size of the user pool per source")
	flags.Float64Var(&opts.invalidRatio, "invalid-ratio", 0.01, "Share of events that break validation")
	flags.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "Random seed")
	flags.IntVar(&opts.days, "days", 30, "Spread event timestamps over this many past days")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts seedOptions) error {
	log, err := logger.New(opts.logLevel, logger.WithConsole())
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	now := time.Now().UTC()
	gen := NewGenerator(opts.seed, opts.users, opts.invalidRatio, now.AddDate(0, 0, -opts.days), now)
	client := &http.Client{Timeout: 5 * time.Minute}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)

	start := time.Now()
	for i := 0; i < opts.requests; i++ {
		g.Go(func() error {
			requestID := uuid.NewString()
			summary, err := send(gCtx, client, opts.url, requestID, gen, opts.batch)
			if err != nil {
				log.Errorw("Request failed", "request_id", requestID, "error", err)
				return err
			}
			log.Infow("Request accepted",
				"request_id", requestID,
				"received", summary.Received,
				"accepted", summary.Accepted,
				"rejected", summary.Rejected,
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Infow("Seeding complete",
		"requests", opts.requests,
		"events", opts.requests*opts.batch,
		"duration", time.Since(start),
	)
	return nil
}

type ingestSummary struct {
	Received int `json:"received"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// send streams n generated events as one JSON array body.
func send(ctx context.Context, client *http.Client, url, requestID string, gen *Generator, n int) (ingestSummary, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeArray(pw, gen, n))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		_ = pr.Close()
		return ingestSummary{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.RequestIDHeader, requestID)

	resp, err := client.Do(req)
	if err != nil {
		_ = pr.Close()
		return ingestSummary{}, fmt.Errorf("post events: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ingestSummary{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ingestSummary{}, fmt.Errorf("gateway answered %d: %s", resp.StatusCode, body)
	}

	var summary ingestSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		return ingestSummary{}, fmt.Errorf("decode response: %w", err)
	}
	return summary, nil
}

func writeArray(w io.Writer, gen *Generator, n int) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for i := 0; i < n; i++ {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		if err := enc.Encode(gen.Event()); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}
