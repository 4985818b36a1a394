package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriter_AppendEvent(t *testing.T) {
	dir := t.TempDir()
	writer := NewWriter(dir)

	firstTime := time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC)
	secondTime := firstTime.Add(5 * time.Second)

	if err := writer.Append(Event{
		Time:      firstTime,
		Type:      "tool_call",
		RequestID: "req-1",
		Step:      1,
		Tool:      "mcp.files.read_file",
		Result:    "ok",
	}); err != nil {
		t.Fatalf("Append first event error: %v", err)
	}

	if err := writer.Append(Event{
		Time:      secondTime,
		Type:      "tool_call",
		RequestID: "req-1",
		Step:      2,
		Tool:      "mcp.files.write_file",
		Result:    "Error: permission denied",
	}); err != nil {
		t.Fatalf("Append second event error: %v", err)
	}

	auditPath := filepath.Join(dir, "audit.jsonl")
	file, err := os.Open(auditPath)
	if err != nil {
		t.Fatalf("Open audit file error: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lines := make([]string, 0, 2)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan audit file error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 jsonl lines, got %d", len(lines))
	}

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line error: %v", err)
	}
	if !first.Time.Equal(firstTime) {
		t.Fatalf("expected first time %s, got %s", firstTime, first.Time)
	}
	if first.Step != 1 || first.Tool != "mcp.files.read_file" || first.Result != "ok" {
		t.Fatalf("unexpected first event: %+v", first)
	}

	var second Event
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second line error: %v", err)
	}
	if second.Step != 2 || second.Result != "Error: permission denied" {
		t.Fatalf("unexpected second event: %+v", second)
	}
}

func TestWriter_AppendEvent_MkdirAllFailure(t *testing.T) {
	parent := t.TempDir()
	blocked := filepath.Join(parent, "blocked")
	if err := os.WriteFile(blocked, []byte("not-a-dir"), 0644); err != nil {
		t.Fatalf("WriteFile blocker error: %v", err)
	}

	writer := NewWriter(filepath.Join(blocked, "audit"))
	err := writer.Append(Event{Time: time.Now().UTC(), Type: "tool_call"})
	if err == nil {
		t.Fatal("expected append error when audit dir path is blocked by a file")
	}
}

func TestWriter_AppendEvent_Concurrent(t *testing.T) {
	dir := t.TempDir()
	writer := NewWriter(dir)

	const total = 20
	var wg sync.WaitGroup
	errCh := make(chan error, total)
	wg.Add(total)
	for i := 0; i < total; i++ {
		i := i
		go func() {
			defer wg.Done()
			if err := writer.Append(Event{
				Time:      time.Date(2026, 2, 15, 9, 0, i, 0, time.UTC),
				Type:      "tool_call",
				RequestID: fmt.Sprintf("req-%d", i),
				Tool:      "mcp.files.read_file",
				Result:    "ok",
			}); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("append failed in concurrent path: %v", err)
	}

	file, err := os.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("Open audit file error: %v", err)
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan audit file error: %v", err)
	}
	if count != total {
		t.Fatalf("expected %d lines, got %d", total, count)
	}
}
