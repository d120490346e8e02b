package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")
	defer InitWithWriter(os.Stdout, "INFO", "text")

	Info("upload complete", KeyUploadID, "abc-123", KeySizeBytes, 42)

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, line)
	}
	if record["msg"] != "upload complete" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record[KeyUploadID] != "abc-123" {
		t.Errorf("upload_id = %v", record[KeyUploadID])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")
	defer InitWithWriter(os.Stdout, "INFO", "text")

	Debug("should not appear")
	Info("should not appear either")
	Warn("visible warning")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("low-level messages leaked: %s", out)
	}
	if !strings.Contains(out, "visible warning") {
		t.Errorf("warning missing: %s", out)
	}
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")
	defer InitWithWriter(os.Stdout, "INFO", "text")

	SetLevel("bogus")
	Info("still info")

	if !strings.Contains(buf.String(), "still info") {
		t.Errorf("info logging broken after invalid SetLevel")
	}
}
