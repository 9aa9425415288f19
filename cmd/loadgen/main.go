// Command loadgen drives a running tile server with a Zipf-skewed tile
// workload and reports latency percentiles. Used to size the cache and the
// mosaic concurrency before a rollout.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Config struct {
	TargetURL      string
	Mosaic         string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	TileCount      int
	MinZoom        int
	MaxZoom        int
	OutputPath     string
	RequestTimeout time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8080", "Tile server base URL")
	flag.StringVar(&cfg.Mosaic, "mosaic", "elevation_model", "Mosaic to request")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.TileCount, "tiles", 256, "Distinct tiles in the pool")
	flag.IntVar(&cfg.MinZoom, "minzoom", 4, "Lowest zoom in the pool")
	flag.IntVar(&cfg.MaxZoom, "maxzoom", 10, "Highest zoom in the pool")
	flag.StringVar(&cfg.OutputPath, "out", "results/loadgen.json", "Summary output file")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.Parse()
	return cfg
}

type tileAddr struct {
	Z, X, Y int
}

func (t tileAddr) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// makeTiles builds a pool biased toward a few hot regions, the rest spread
// uniformly over the grid at each zoom.
func makeTiles(cfg Config, r *rand.Rand) []tileAddr {
	// Hot centers: Gale, Jezero, Valles Marineris, Olympus Mons.
	centers := [][2]float64{
		{137.44, -4.59},
		{77.45, 18.44},
		{-59.2, -13.9},
		{-133.8, 18.65},
	}

	tileAt := func(lon, lat float64, z int) tileAddr {
		n := float64(int(1) << z)
		rad := lat * math.Pi / 180
		x := int((lon + 180) / 360 * n)
		y := int((1 - math.Log(math.Tan(math.Pi/4+rad/2))/math.Pi) / 2 * n)
		x = clampInt(x, 0, int(n)-1)
		y = clampInt(y, 0, int(n)-1)
		return tileAddr{Z: z, X: x, Y: y}
	}

	tiles := make([]tileAddr, 0, cfg.TileCount)
	hot := max(8, cfg.TileCount/4)
	for i := 0; i < hot; i++ {
		c := centers[i%len(centers)]
		z := cfg.MinZoom + r.Intn(cfg.MaxZoom-cfg.MinZoom+1)
		dx, dy := (r.Float64()-0.5)*2, (r.Float64()-0.5)*2
		tiles = append(tiles, tileAt(c[0]+dx, c[1]+dy, z))
	}
	for len(tiles) < cfg.TileCount {
		z := cfg.MinZoom + r.Intn(cfg.MaxZoom-cfg.MinZoom+1)
		lon := -180 + r.Float64()*360
		lat := -75 + r.Float64()*150
		tiles = append(tiles, tileAt(lon, lat, z))
	}
	return tiles
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	NotFoundCount int64     `json:"not_found"`
	ErrorCount    int64     `json:"errors"`
	CacheHits     int64     `json:"cache_hits"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	Tiles         int       `json:"tiles"`
	TargetURL     string    `json:"target"`
	Mosaic        string    `json:"mosaic"`
}

type workerResult struct {
	total    int64
	success  int64
	notFound int64
	errors   int64
	hits     int64
	latMs    []float64
}

func main() {
	cfg := loadConfig()
	if dir := filepath.Dir(cfg.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Fatalf("mkdir results: %v", err)
		}
	}

	seedRand := rand.New(rand.NewSource(42))
	tiles := makeTiles(cfg, seedRand)

	client := &http.Client{Timeout: cfg.RequestTimeout}
	deadline := time.Now().Add(cfg.Duration)
	start := time.Now()

	results := make([]workerResult, cfg.Concurrency)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(len(tiles)-1))
			res := &results[id]

			for time.Now().Before(deadline) {
				tile := tiles[zipf.Uint64()]
				url := fmt.Sprintf("%s/%s/tiles/%s",
					strings.TrimRight(cfg.TargetURL, "/"), cfg.Mosaic, tile)

				reqStart := time.Now()
				resp, err := client.Get(url)
				lat := time.Since(reqStart)

				res.total++
				if err != nil {
					res.errors++
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()

				res.latMs = append(res.latMs, float64(lat.Microseconds())/1000)
				switch {
				case resp.StatusCode == http.StatusOK:
					res.success++
					if resp.Header.Get("X-Tile-Cache") == "hit" {
						res.hits++
					}
				case resp.StatusCode == http.StatusNotFound:
					res.notFound++
				default:
					res.errors++
				}
			}
		}(w)
	}
	wg.Wait()
	end := time.Now()

	var agg workerResult
	for i := range results {
		agg.total += results[i].total
		agg.success += results[i].success
		agg.notFound += results[i].notFound
		agg.errors += results[i].errors
		agg.hits += results[i].hits
		agg.latMs = append(agg.latMs, results[i].latMs...)
	}
	sort.Float64s(agg.latMs)

	sum := summary{
		StartTime:     start,
		EndTime:       end,
		DurationSec:   end.Sub(start).Seconds(),
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		NotFoundCount: agg.notFound,
		ErrorCount:    agg.errors,
		CacheHits:     agg.hits,
		ThroughputRPS: float64(agg.total) / end.Sub(start).Seconds(),
		P50Ms:         percentile(agg.latMs, 0.50),
		P95Ms:         percentile(agg.latMs, 0.95),
		P99Ms:         percentile(agg.latMs, 0.99),
		Concurrency:   cfg.Concurrency,
		Tiles:         len(tiles),
		TargetURL:     cfg.TargetURL,
		Mosaic:        cfg.Mosaic,
	}

	if err := writeSummary(cfg.OutputPath, sum); err != nil {
		log.Fatalf("write summary: %v", err)
	}
	log.Printf("done: %d requests, %.1f rps, p50=%.1fms p95=%.1fms p99=%.1fms, hits=%d",
		sum.TotalRequests, sum.ThroughputRPS, sum.P50Ms, sum.P95Ms, sum.P99Ms, sum.CacheHits)
}

func writeSummary(path string, sum summary) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
