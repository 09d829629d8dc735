// Command hazardfuse-replay runs recorded fuse requests through the fusion
// engine offline and reports latency. Input is JSONL, one request body per
// line, in the same shape POST /v1/fuse accepts.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/straja-ai/hazardfuse/internal/config"
	"github.com/straja-ai/hazardfuse/internal/fusion"
	"github.com/straja-ai/hazardfuse/internal/hazard"
	hlog "github.com/straja-ai/hazardfuse/internal/log"
)

type record struct {
	Detections []json.RawMessage `json:"detections"`
	SensorData hazard.Readings   `json:"sensor_data"`
}

type output struct {
	Line       int                `json:"line"`
	Detections []hazard.Detection `json:"detections"`
	Rejected   []fusion.Rejection `json:"rejected,omitempty"`
	Fallback   bool               `json:"fallback"`
}

func main() {
	cfgPath := flag.String("config", "", "path to config yaml (defaults when empty)")
	inPath := flag.String("in", "-", "JSONL input file, - for stdin")
	n := flag.Int("n", 1, "passes over the input")
	emit := flag.Bool("print", false, "write fused results as JSONL to stdout")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	records, err := readRecords(*inPath)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	if len(records) == 0 {
		log.Fatalf("no requests in %s", *inPath)
	}
	if *n <= 0 {
		*n = 1
	}

	// Logs go to stderr so that -print output stays clean.
	engine := fusion.NewEngine(cfg, fusion.WithLogger(hlog.New(os.Stderr, "warn", cfg.Logging.Format)))
	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)

	var stats summary
	durations := make([]time.Duration, 0, len(records)*(*n))
	for pass := 0; pass < *n; pass++ {
		for i, rec := range records {
			start := time.Now()
			res := engine.ProcessJSON(ctx, rec.Detections, rec.SensorData)
			durations = append(durations, time.Since(start))

			if pass > 0 {
				continue
			}
			stats.add(res)
			if *emit {
				if err := enc.Encode(output{
					Line:       i + 1,
					Detections: res.Detections,
					Rejected:   res.Rejected,
					Fallback:   res.Fallback,
				}); err != nil {
					log.Fatalf("write output: %v", err)
				}
			}
		}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	p50 := float64(durations[len(durations)/2].Microseconds()) / 1000.0
	p95 := float64(durations[min(len(durations)-1, int(float64(len(durations))*0.95))].Microseconds()) / 1000.0

	fmt.Fprintf(os.Stderr, "replay: requests=%d runs=%d avg_ms=%.3f p50_ms=%.3f p95_ms=%.3f detections=%d fallback=%d rejected=%d\n",
		len(records),
		len(durations),
		avg,
		p50,
		p95,
		stats.detections,
		stats.fallback,
		stats.rejected,
	)
}

type summary struct {
	detections, fallback, rejected int
}

func (s *summary) add(res fusion.Result) {
	s.detections += len(res.Detections)
	s.rejected += len(res.Rejected)
	if res.Fallback {
		s.fallback++
	}
}

func readRecords(path string) ([]record, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return decodeRecords(r)
}

// decodeRecords skips blank lines; any other line that does not parse is an
// error naming its line number.
func decodeRecords(r io.Reader) ([]record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)

	var out []record
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.Detections == nil {
			rec.Detections = []json.RawMessage{}
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
