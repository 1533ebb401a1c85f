package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestPrintfWritesOneLinePerCall(t *testing.T) {
	projectDir := t.TempDir()
	logger, err := New(projectDir)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Printf("agent-%d finished\n", i)
		}(i)
	}
	wg.Wait()
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	logger.Printf("ignored after close")

	data, err := os.ReadFile(filepath.Join(projectDir, ".concord", "logs", "concord.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 20 {
		t.Fatalf("len(lines) = %d, want 20", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[") || !strings.Contains(line, "] agent-") {
			t.Fatalf("malformed line %q", line)
		}
	}
}
