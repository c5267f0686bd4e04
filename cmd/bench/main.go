package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "admin address of the sending node")
	dest := flag.String("dest", "", "overlay address of the destination node")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "payload size bytes")
	flag.Parse()

	if *dest == "" {
		fmt.Fprintln(os.Stderr, "bench: -dest is required")
		os.Exit(2)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	url := *addr + "/send/" + *dest
	var failed atomic.Int64

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*conc)
	start := time.Now()
	for range *n {
		g.Go(func() error {
			payload := bytes.Repeat([]byte{byte('a' + rand.IntN(26))}, *valSize)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				failed.Add(1)
				return nil
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				failed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "bench:", err)
		os.Exit(1)
	}
	dur := time.Since(start)
	fmt.Printf("Completed %d sends in %s (%.2f ops/s), %d failed\n", *n, dur, float64(*n)/dur.Seconds(), failed.Load())
}
