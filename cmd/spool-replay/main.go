// Command spool-replay posts spool files line by line to a running
// trait-engine instance. It covers the case where events were spooled
// on a host the service's own watcher cannot see, or while ingest ran
// with the watcher disabled.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"trait_engine/internal/config"
)

const maxLineBytes = 1 << 20

type replayResult struct {
	Accepted int
	Dropped  int
	Rejected int
	Failed   int
}

func (r replayResult) clean() bool { return r.Rejected == 0 && r.Failed == 0 }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	files, err := listSpoolFiles(cfg.SpoolDir)
	if err != nil {
		log.Fatalf("scan spool dir: %v", err)
	}
	if len(files) == 0 {
		log.Println("no spool files found")
		return
	}

	baseURL := normalizeBaseURL(os.Getenv("SERVICE_BASE_URL"), cfg.HTTPPort)
	client := &http.Client{Timeout: 30 * time.Second}
	if err := checkHealth(client, baseURL); err != nil {
		log.Fatalf("service not reachable at %s: %v", baseURL, err)
	}

	keep := os.Getenv("KEEP_SPOOL") == "1"
	log.Printf("replaying %d spool files to %s", len(files), baseURL)

	var (
		mu    sync.Mutex
		total replayResult
		wg    sync.WaitGroup
	)
	slots := make(chan struct{}, 8)
	for _, name := range files {
		wg.Add(1)
		slots <- struct{}{}
		go func(path string) {
			defer wg.Done()
			defer func() { <-slots }()
			res, err := replayFile(client, baseURL, path)
			if err != nil {
				log.Printf("replay %s: %v", filepath.Base(path), err)
			}
			log.Printf("replayed %s: accepted=%d dropped=%d rejected=%d failed=%d",
				filepath.Base(path), res.Accepted, res.Dropped, res.Rejected, res.Failed)
			if err == nil && res.clean() && !keep {
				if rmErr := os.Remove(path); rmErr != nil {
					log.Printf("remove %s: %v", filepath.Base(path), rmErr)
				}
			}
			mu.Lock()
			total.Accepted += res.Accepted
			total.Dropped += res.Dropped
			total.Rejected += res.Rejected
			total.Failed += res.Failed
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	log.Printf("replay done: accepted=%d dropped=%d rejected=%d failed=%d",
		total.Accepted, total.Dropped, total.Rejected, total.Failed)

	if total.Accepted > 0 {
		if n, err := triggerFuse(client, baseURL); err != nil {
			log.Printf("trigger fuse: %v", err)
		} else {
			log.Printf("fusion pass queued %d subjects", n)
		}
	}
}

// listSpoolFiles returns the spool's event files sorted by name so
// replay order is stable across invocations.
func listSpoolFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".jsonl" && ext != ".ndjson" {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func normalizeBaseURL(raw, port string) string {
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "/"))
	if raw == "" {
		return "http://localhost" + port
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	return strings.TrimSuffix(raw, "/")
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/ops/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	return nil
}

func replayFile(client *http.Client, baseURL, path string) (replayResult, error) {
	var res replayResult
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		outcome, err := postEvent(client, baseURL, line)
		if err != nil {
			res.Failed++
			continue
		}
		switch outcome {
		case "accepted":
			res.Accepted++
		case "dropped":
			res.Dropped++
		case "rejected":
			res.Rejected++
		default:
			res.Failed++
		}
	}
	if err := scanner.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func postEvent(client *http.Client, baseURL, line string) (string, error) {
	resp, err := client.Post(baseURL+"/api/events", "application/json", strings.NewReader(line))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyResponse(resp.StatusCode, body), nil
}

// classifyResponse maps the ingest endpoint's reply onto a replay
// outcome. Consent drops are normal operation, not errors.
func classifyResponse(code int, body []byte) string {
	switch {
	case code == http.StatusAccepted:
		var parsed struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Status == "dropped" {
			return "dropped"
		}
		return "accepted"
	case code == http.StatusBadRequest:
		return "rejected"
	default:
		return "failed"
	}
}

func triggerFuse(client *http.Client, baseURL string) (int, error) {
	resp, err := client.Post(baseURL+"/ops/fuse", "application/json", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fuse returned %s", resp.Status)
	}
	var parsed struct {
		Enqueued int `json:"enqueued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, err
	}
	return parsed.Enqueued, nil
}
