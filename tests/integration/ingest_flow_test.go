//go:build integration

package integration

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// The suite runs against a live ingest server:
//
//	STORE_BACKEND=postgres POSTGRES_URL=... go run ./cmd/ingest
//	INTAKE_URL=http://localhost:8080 POSTGRES_URL=... go test -tags integration ./tests/integration
func intakeURL() string {
	if u := os.Getenv("INTAKE_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func TestMain(m *testing.M) {
	if !waitForServer(intakeURL() + "/health") {
		fmt.Println("ingest server is not reachable, skipping integration tests")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func waitForServer(healthURL string) bool {
	for i := 0; i < 10; i++ {
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}

func postEvent(t *testing.T, body map[string]any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(intakeURL()+"/v1/events", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("Failed to send ingest request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func listEvents(t *testing.T, userID string) (int, []map[string]any) {
	t.Helper()
	resp, err := http.Get(intakeURL() + "/v1/events?" + url.Values{"user_id": {userID}}.Encode())
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 from list, got %d", resp.StatusCode)
	}
	var out struct {
		Count  int              `json:"count"`
		Events []map[string]any `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode list response: %v", err)
	}
	return out.Count, out.Events
}

func countRowsInDB(t *testing.T, userID string) (int, bool) {
	t.Helper()
	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		return 0, false
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM events WHERE user_id = $1", userID).Scan(&count); err != nil {
		t.Fatalf("Failed to query event count: %v", err)
	}
	return count, true
}

func TestIngestionFlow(t *testing.T) {
	userID := "u_it_" + uuid.NewString()[:8]

	// 1. Accept a batch of events
	const batchSize = 20
	for i := 0; i < batchSize; i++ {
		resp := postEvent(t, map[string]any{
			"event":    "integration_test",
			"user_id":  userID,
			"metadata": map[string]any{"seq": i},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Expected status 201 Created, got %d", resp.StatusCode)
		}
	}

	// 2. Read them back, newest first
	count, events := listEvents(t, userID)
	if count != batchSize {
		t.Fatalf("Expected %d events after ingest, got %d", batchSize, count)
	}
	if seq := events[0]["metadata"].(map[string]any)["seq"]; seq != float64(batchSize-1) {
		t.Errorf("Expected the newest event first, got seq %v", seq)
	}
	if n, ok := countRowsInDB(t, userID); ok && n != batchSize {
		t.Errorf("Expected %d rows in postgres, got %d", batchSize, n)
	}

	// 3. Oversized metadata is rejected and not stored
	resp := postEvent(t, map[string]any{
		"event":    "integration_test",
		"user_id":  userID,
		"metadata": map[string]any{"blob": strings.Repeat("x", 3000)},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected status 400 for oversized metadata, got %d", resp.StatusCode)
	}
	if count, _ := listEvents(t, userID); count != batchSize {
		t.Errorf("Rejected event must not be stored, count is %d", count)
	}

	// 4. Delete the user's events
	req, _ := http.NewRequest(http.MethodDelete, intakeURL()+"/v1/events?user_id="+userID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to delete events: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 from delete, got %d", delResp.StatusCode)
	}
	if count, _ := listEvents(t, userID); count != 0 {
		t.Errorf("Expected no events after delete, got %d", count)
	}
}

func TestSentinelEventReturns500(t *testing.T) {
	userID := "u_it_" + uuid.NewString()[:8]
	resp := postEvent(t, map[string]any{"event": "explode", "user_id": userID})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", resp.StatusCode)
	}
	if count, _ := listEvents(t, userID); count != 0 {
		t.Errorf("Sentinel event must not be stored, count is %d", count)
	}
}
