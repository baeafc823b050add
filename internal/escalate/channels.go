package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mendcore/mend/internal/model"
	yamlutil "github.com/mendcore/mend/internal/yaml"
)

// FileChannel archives escalation records as YAML documents. The archive
// dir is the durable fallback channel: it has no external dependencies and
// is always configured by default.
type FileChannel struct {
	dir string
}

func NewFileChannel(dir string) *FileChannel {
	return &FileChannel{dir: dir}
}

func (c *FileChannel) Name() string { return "file" }

func (c *FileChannel) Deliver(_ context.Context, record model.EscalationRecord) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("create escalations dir: %w", err)
	}

	type archiveEntry struct {
		SchemaVersion int                    `yaml:"schema_version"`
		FileType      string                 `yaml:"file_type"`
		Record        model.EscalationRecord `yaml:"record"`
	}
	archive := archiveEntry{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "escalation_record",
		Record:        record,
	}

	// Record ID in the filename prevents same-second collisions.
	filename := fmt.Sprintf("%s_%s_%s.yaml", record.TaskID, time.Now().UTC().Format("20060102T150405Z"), record.ID)
	return yamlutil.AtomicWrite(filepath.Join(c.dir, filename), archive)
}

// WebhookChannel POSTs the record as JSON to a configured URL. One shot,
// bounded timeout, no retries: a down webhook must not stall the engine,
// and the file channel still holds the record.
type WebhookChannel struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, record model.EscalationRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.ID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// DesktopChannel raises a macOS notification via osascript. Best-effort:
// on hosts without osascript delivery fails and the outcome records it.
type DesktopChannel struct {
	run func(ctx context.Context, title, message string) error
}

func NewDesktopChannel() *DesktopChannel {
	return &DesktopChannel{run: osascriptNotify}
}

func (c *DesktopChannel) Name() string { return "desktop" }

func (c *DesktopChannel) Deliver(ctx context.Context, record model.EscalationRecord) error {
	message := fmt.Sprintf("%s could not be fixed after %d attempts (%s)", record.Subject, record.Attempts, record.Reason)
	return c.run(ctx, "mend escalation", message)
}

func osascriptNotify(ctx context.Context, title, message string) error {
	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// CommandChannel pipes the record as JSON into a configured command, for
// wiring escalations to pagers, issue trackers or chat bridges.
type CommandChannel struct {
	argv    []string
	timeout time.Duration
}

func NewCommandChannel(argv []string, timeout time.Duration) *CommandChannel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandChannel{argv: argv, timeout: timeout}
}

func (c *CommandChannel) Name() string { return "command" }

func (c *CommandChannel) Deliver(ctx context.Context, record model.EscalationRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.ID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"MEND_ESCALATION_ID="+record.ID,
		"MEND_TASK_ID="+record.TaskID,
		"MEND_TASK_SUBJECT="+record.Subject,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s: timeout after %s", c.argv[0], c.timeout)
		}
		return fmt.Errorf("%s: %w: %s", c.argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
