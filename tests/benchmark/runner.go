// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// GlobalStats matches the structure from server.go
type GlobalStats struct {
	TotalTasks     int     `json:"total_tasks"`
	ActiveTasks    int     `json:"active_tasks"`
	ReviewTasks    int     `json:"review_tasks"`
	PublishedTasks int     `json:"published_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	QueuedRuns     int     `json:"queued_runs"`
	RunningRuns    int     `json:"running_runs"`
	AvgStageSec    float64 `json:"avg_stage_seconds"`
	ThroughputRuns float64 `json:"throughput_runs_per_hour"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (queue, mixed, review)")
	dbHost := flag.String("db_host", "localhost", "Database host")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "8080", "Worker API port")
	autoApprove := flag.Bool("auto_approve", true, "Approve tasks that reach review during the run")
	flag.Parse()

	if *suite == "" {
		fmt.Printf("%sPlease specify a suite using --suite=[queue|mixed|review]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	// Load DB config from .env or defaults
	_ = godotenv.Load("../../.env")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	if dbPass == "" {
		dbPass = "password"
	}
	if dbName == "" {
		dbName = "reelforge"
	}

	connStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=require",
		dbUser, dbPass, dbName, *dbHost)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		fmt.Printf("%sFailed to connect to DB: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	defer db.Close()

	// 2. Load Scenario
	var scenarioFile string
	switch *suite {
	case "queue":
		scenarioFile = "scenarios/queue_burst.sql"
	case "mixed":
		scenarioFile = "scenarios/mixed_load.sql"
	case "review":
		scenarioFile = "scenarios/review_backlog.sql"
	default:
		fmt.Printf("%sUnknown suite %q%s\n", colorRed, *suite, colorReset)
		os.Exit(1)
	}

	content, err := os.ReadFile(scenarioFile)
	if err != nil {
		fmt.Printf("%sError reading scenario file %s: %v%s\n", colorRed, scenarioFile, err, colorReset)
		os.Exit(1)
	}

	fmt.Printf("\n%s%s %s REELFORGE BENCHMARK %s %s%s\n", colorCyan, colorBold, ">>", "SUITE: "+*suite, "<<", colorReset)

	// Get Baseline Stats
	initialStats, err := getGlobalStats(*apiHost, *apiPort)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	// 3. Execute SQL to Insert Tasks + queued ingest runs
	_, err = db.Exec(string(content))
	if err != nil {
		fmt.Printf("%s[ERR]%s Failed to inject scenario: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s Scenario loaded and tasks injected.\n\n", colorGreen, colorReset)

	// 4. Monitor Progress
	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond) // Faster updates for smoother UI
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "PUBLISHED", "FAILED", "REVIEW", "RUNNING", "QUEUED", colorReset)
	fmt.Println(colorGray + "----------------------------------------------------------------------" + colorReset)

	idleTicks := 0

	for range ticker.C {
		stats, err := getGlobalStats(*apiHost, *apiPort)

		elapsed := time.Since(startTime).Round(time.Second).String()

		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s",
				elapsed,
				colorRed, "Error: Connection Refused (Retrying...)", colorReset,
			)
			continue
		}

		if *autoApprove && stats.ReviewTasks > 0 {
			approveReviewTasks(*apiHost, *apiPort)
		}

		deltaPublished := stats.PublishedTasks - initialStats.PublishedTasks
		deltaFailed := stats.FailedTasks - initialStats.FailedTasks

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaPublished, colorReset,
			statusColor, deltaFailed, colorReset,
			colorBlue, stats.ReviewTasks, colorReset,
			colorYellow, stats.RunningRuns, colorReset,
			stats.QueuedRuns,
		)

		// Two idle observations in a row so a brief gap between a run
		// finishing and its successor being enqueued does not end the run.
		if stats.QueuedRuns == 0 && stats.RunningRuns == 0 && deltaPublished+deltaFailed > 0 {
			idleTicks++
			if idleTicks >= 2 {
				fmt.Printf("\n%s----------------------------------------------------------------------%s\n", colorGray, colorReset)
				fmt.Printf("\n%s%s Benchmark Completed Successfully! %s%s\n", colorGreen, colorBold, "✓", colorReset)
				printReport(stats, initialStats, time.Since(startTime))
				break
			}
		} else {
			idleTicks = 0
		}
	}
}

func getGlobalStats(host, port string) (GlobalStats, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s:%s/global-status", host, port))
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

// approveReviewTasks pushes everything waiting at the review gate through, so
// a benchmark run with publish-enabled tasks can drain without a human.
func approveReviewTasks(host, port string) {
	resp, err := http.Get(fmt.Sprintf("http://%s:%s/tasks?status=READY_FOR_REVIEW&limit=200", host, port))
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var tasks []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return
	}
	for _, t := range tasks {
		r, err := http.Post(fmt.Sprintf("http://%s:%s/tasks/%s/approve", host, port, t.ID), "application/json", nil)
		if err == nil {
			r.Body.Close()
		}
	}
}

func printReport(final, initial GlobalStats, duration time.Duration) {
	totalProcessed := (final.PublishedTasks - initial.PublishedTasks) + (final.FailedTasks - initial.FailedTasks)
	tps := float64(totalProcessed) / duration.Seconds()

	successRate := 100.0
	if totalProcessed > 0 {
		successRate = (float64(final.PublishedTasks-initial.PublishedTasks) / float64(totalProcessed)) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", totalProcessed))

	publishedStr := fmt.Sprintf("%d", final.PublishedTasks-initial.PublishedTasks)
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Published:", publishedStr)

	failedVal := final.FailedTasks - initial.FailedTasks
	failedColor := colorGreen
	if failedVal > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed:", fmt.Sprintf("%d", failedVal))

	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt+"\n", "Avg Stage Latency:", fmt.Sprintf("%.2f ms", final.AvgStageSec*1000))
	fmt.Printf(lineFmt+"\n", "Hourly Capacity:", fmt.Sprintf("%.1f runs/hr", final.ThroughputRuns))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
