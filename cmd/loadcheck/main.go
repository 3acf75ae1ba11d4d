// Loadcheck drives concurrent settlements against a running berrypick
// server and verifies that usage ceilings and single settlement per session
// hold under contention.
//
// Usage:
//
//	go run ./cmd/loadcheck -url http://localhost:8080 -user user-1 -sessions 50
//
// This tool:
//  1. Creates recommendation sessions for the user
//  2. Settles every session's top option from several workers at once,
//     optionally twice per session
//  3. Reports created, conflicting and failed settlements and latency
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type sessionRequest struct {
	Amount     int64  `json:"amount"`
	MerchantID string `json:"merchantId,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	Options   []struct {
		OptionID     string `json:"optionId"`
		ExpectedPay  int64  `json:"expectedPay"`
		ExpectedSave int64  `json:"expectedSave"`
	} `json:"options"`
}

type settleRequest struct {
	SessionID  string `json:"sessionId"`
	OptionID   string `json:"optionId"`
	PaidAmount int64  `json:"paidAmount"`
}

type settleJob struct {
	sessionID string
	optionID  string
	paid      int64
	save      int64
}

// Metrics tracks settlement outcomes.
type Metrics struct {
	Created   int64
	Conflicts int64
	Errors    int64

	ExpectedSaved int64
	LatencyMs     int64
	Requests      int64
}

type client struct {
	http    *http.Client
	baseURL string
	userID  string
	token   string
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "berrypick base URL")
	userID := flag.String("user", "user-1", "user id sent as X-User-ID")
	token := flag.String("token", "", "bearer token (overrides -user)")
	merchantID := flag.String("merchant", "", "merchant id for the purchases")
	amount := flag.Int64("amount", 10000, "purchase amount per session")
	sessions := flag.Int("sessions", 50, "number of sessions to create")
	workers := flag.Int("workers", 10, "number of concurrent workers")
	duplicate := flag.Bool("duplicate", true, "settle every session twice")
	flag.Parse()

	c := &client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: *baseURL,
		userID:  *userID,
		token:   *token,
	}

	fmt.Printf("berrypick url: %s\n", *baseURL)
	fmt.Printf("sessions:      %d\n", *sessions)
	fmt.Printf("workers:       %d\n", *workers)
	fmt.Printf("duplicate:     %v\n\n", *duplicate)

	if err := c.checkHealth(); err != nil {
		fmt.Printf("ERROR: berrypick not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	var jobs []settleJob
	for i := 0; i < *sessions; i++ {
		job, err := c.createSession(*amount, *merchantID)
		if err != nil {
			fmt.Printf("ERROR: failed to create session: %v\n", err)
			os.Exit(1)
		}
		jobs = append(jobs, job)
	}
	fmt.Printf("created %d sessions\n", len(jobs))

	if *duplicate {
		jobs = append(jobs, jobs...)
	}

	start := time.Now()
	metrics := run(c, jobs, *workers)
	printResults(metrics, *sessions, *duplicate, time.Since(start))

	if metrics.Created > int64(*sessions) || metrics.Errors > 0 {
		os.Exit(1)
	}
}

func run(c *client, jobs []settleJob, numWorkers int) *Metrics {
	metrics := &Metrics{}

	work := make(chan settleJob, len(jobs))
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				start := time.Now()
				status, err := c.settle(job)
				atomic.AddInt64(&metrics.LatencyMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.Requests, 1)

				switch {
				case err != nil:
					atomic.AddInt64(&metrics.Errors, 1)
					fmt.Printf("ERROR: session %s -> %v\n", job.sessionID, err)
				case status == http.StatusCreated:
					atomic.AddInt64(&metrics.Created, 1)
					atomic.AddInt64(&metrics.ExpectedSaved, job.save)
				case status == http.StatusConflict:
					atomic.AddInt64(&metrics.Conflicts, 1)
				default:
					atomic.AddInt64(&metrics.Errors, 1)
					fmt.Printf("ERROR: session %s -> status %d\n", job.sessionID, status)
				}
			}
		}()
	}

	for _, job := range jobs {
		work <- job
	}
	close(work)
	wg.Wait()

	return metrics
}

func (c *client) do(method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.Header.Set("X-User-ID", c.userID)
	}

	return c.http.Do(req)
}

func (c *client) checkHealth() error {
	resp, err := c.do(http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *client) createSession(amount int64, merchantID string) (settleJob, error) {
	resp, err := c.do(http.MethodPost, "/recommendations/sessions", sessionRequest{Amount: amount, MerchantID: merchantID})
	if err != nil {
		return settleJob{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return settleJob{}, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var sess sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return settleJob{}, err
	}
	if len(sess.Options) == 0 {
		return settleJob{}, fmt.Errorf("session %s has no options; does the user hold any cards?", sess.SessionID)
	}

	top := sess.Options[0]
	return settleJob{
		sessionID: sess.SessionID,
		optionID:  top.OptionID,
		paid:      top.ExpectedPay,
		save:      top.ExpectedSave,
	}, nil
}

func (c *client) settle(job settleJob) (int, error) {
	resp, err := c.do(http.MethodPost, "/transactions", settleRequest{
		SessionID:  job.sessionID,
		OptionID:   job.optionID,
		PaidAmount: job.paid,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func printResults(m *Metrics, sessions int, duplicate bool, duration time.Duration) {
	fmt.Println("\nRESULTS")
	fmt.Printf("   Settled:          %d / %d sessions\n", m.Created, sessions)
	fmt.Printf("   Conflicts:        %d\n", m.Conflicts)
	fmt.Printf("   Errors:           %d\n", m.Errors)
	fmt.Printf("   Expected saving:  %d\n", m.ExpectedSaved)

	if duplicate && m.Created+m.Conflicts != int64(2*sessions) {
		fmt.Println("   WARNING: duplicate settlements did not all resolve to created or conflict")
	}
	if m.Created > int64(sessions) {
		fmt.Println("   FAILED: a session was settled more than once")
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Requests > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.LatencyMs)/float64(m.Requests))
		fmt.Printf("   Throughput:       %.2f req/sec\n", float64(m.Requests)/duration.Seconds())
	}
	fmt.Println()
}
