package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/mailbatch/internal/dataset"
	"github.com/foxzi/mailbatch/internal/surface"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
batch:
  mock_mode: true
  inter_send_delay: 3s
  min_dwell_without_attachments: 1s
  attachment_upload_timeout: 5m
  include_attachments: false
  email_policy: strict

surface:
  driver: sim
  selectors:
    send: "button.send"

templates:
  source: http
  base_url: "https://example.com/templates/"
  index: "templates.json"

output:
  driver: s3
  s3:
    bucket: results
    region: eu-central-1
    prefix: batches

storage:
  path: "/tmp/test.db"

quota:
  global:
    messages_per_hour: 50
    messages_per_day: 400
  per_recipient_domain:
    messages_per_hour: 20

control:
  enabled: true
  listen_addr: ":9081"
  api_key: "test-api-key"

metrics:
  enabled: true
  allowed_ips: ["127.0.0.1"]

logging:
  level: "debug"
  format: "json"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Batch.MockMode {
		t.Error("MockMode = false, want true")
	}
	if cfg.Batch.InterSendDelay != 3*time.Second {
		t.Errorf("InterSendDelay = %v, want 3s", cfg.Batch.InterSendDelay)
	}
	if cfg.Batch.MinDwellWithoutAttachments != time.Second {
		t.Errorf("MinDwellWithoutAttachments = %v, want 1s", cfg.Batch.MinDwellWithoutAttachments)
	}
	if cfg.Batch.AttachmentUploadTimeout != 5*time.Minute {
		t.Errorf("AttachmentUploadTimeout = %v, want 5m", cfg.Batch.AttachmentUploadTimeout)
	}
	if cfg.Batch.AttachmentsIncluded() {
		t.Error("AttachmentsIncluded() = true, want false")
	}
	if cfg.Batch.EmailPolicy != dataset.PolicyStrict {
		t.Errorf("EmailPolicy = %v, want strict", cfg.Batch.EmailPolicy)
	}

	if cfg.Surface.Driver != "sim" {
		t.Errorf("Surface.Driver = %v, want sim", cfg.Surface.Driver)
	}
	if cfg.Surface.Selectors.Send != "button.send" {
		t.Errorf("Selectors.Send = %v, want button.send", cfg.Surface.Selectors.Send)
	}
	if cfg.Surface.Selectors.Subject != surface.GmailSelectors().Subject {
		t.Errorf("Selectors.Subject = %v, want Gmail default", cfg.Surface.Selectors.Subject)
	}

	if cfg.Templates.Source != "http" || cfg.Templates.Index != "templates.json" {
		t.Errorf("Templates = %+v", cfg.Templates)
	}
	if cfg.Output.Driver != "s3" || cfg.Output.S3.Bucket != "results" || cfg.Output.S3.Prefix != "batches" {
		t.Errorf("Output = %+v", cfg.Output)
	}
	if cfg.Storage.Path != "/tmp/test.db" {
		t.Errorf("Storage.Path = %v, want /tmp/test.db", cfg.Storage.Path)
	}

	if !cfg.Quota.Enabled() {
		t.Error("Quota.Enabled() = false, want true")
	}
	if cfg.Quota.Global.MessagesPerDay != 400 {
		t.Errorf("Quota.Global.MessagesPerDay = %v, want 400", cfg.Quota.Global.MessagesPerDay)
	}
	if cfg.Quota.PerRecipientDomain.MessagesPerHour != 20 {
		t.Errorf("Quota.PerRecipientDomain.MessagesPerHour = %v, want 20", cfg.Quota.PerRecipientDomain.MessagesPerHour)
	}

	if !cfg.Control.Enabled || cfg.Control.ListenAddr != ":9081" || cfg.Control.APIKey != "test-api-key" {
		t.Errorf("Control = %+v", cfg.Control)
	}
	if !cfg.Metrics.Enabled || len(cfg.Metrics.AllowedIPs) != 1 {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"InterSendDelay", cfg.Batch.InterSendDelay, 5 * time.Second},
		{"MinDwellWithoutAttachments", cfg.Batch.MinDwellWithoutAttachments, 2 * time.Second},
		{"AttachmentUploadTimeout", cfg.Batch.AttachmentUploadTimeout, 10 * time.Minute},
		{"UploadGrace", cfg.Batch.UploadGrace, 3 * time.Second},
		{"OpenTimeout", cfg.Batch.OpenTimeout, 10 * time.Second},
		{"ExpandTimeout", cfg.Batch.ExpandTimeout, 3 * time.Second},
		{"DiscardTimeout", cfg.Batch.DiscardTimeout, 5 * time.Second},
		{"SendTimeout", cfg.Batch.SendTimeout, 10 * time.Second},
		{"PollInterval", cfg.Batch.PollInterval, 100 * time.Millisecond},
		{"AttachmentsIncluded", cfg.Batch.AttachmentsIncluded(), true},
		{"MockMode", cfg.Batch.MockMode, false},
		{"EmailPolicy", cfg.Batch.EmailPolicy, dataset.PolicyLenient},
		{"Surface.Driver", cfg.Surface.Driver, "browser"},
		{"Selectors", cfg.Surface.Selectors, surface.GmailSelectors()},
		{"Templates.Source", cfg.Templates.Source, "dir"},
		{"Templates.Dir", cfg.Templates.Dir, "templates"},
		{"Templates.Index", cfg.Templates.Index, "templates.yaml"},
		{"Output.Driver", cfg.Output.Driver, "dir"},
		{"Output.Dir", cfg.Output.Dir, "."},
		{"Storage.Path", cfg.Storage.Path, "mailbatch.db"},
		{"Quota.Enabled", cfg.Quota.Enabled(), false},
		{"Control.ListenAddr", cfg.Control.ListenAddr, "127.0.0.1:8090"},
		{"Metrics.ListenAddr", cfg.Metrics.ListenAddr, ":9090"},
		{"Metrics.Path", cfg.Metrics.Path, "/metrics"},
		{"Metrics.FlushInterval", cfg.Metrics.FlushInterval, 10 * time.Second},
		{"Logging.Level", cfg.Logging.Level, "info"},
		{"Logging.Format", cfg.Logging.Format, "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown email policy",
			content: "batch:\n  email_policy: paranoid\n",
			wantErr: "batch.email_policy",
		},
		{
			name:    "negative delay",
			content: "batch:\n  inter_send_delay: -1s\n",
			wantErr: "batch.inter_send_delay",
		},
		{
			name:    "unknown surface driver",
			content: "surface:\n  driver: curses\n",
			wantErr: "surface.driver",
		},
		{
			name:    "http templates without base url",
			content: "templates:\n  source: http\n",
			wantErr: "templates.base_url",
		},
		{
			name:    "unknown template source",
			content: "templates:\n  source: ftp\n",
			wantErr: "templates.source",
		},
		{
			name:    "s3 output without bucket",
			content: "output:\n  driver: s3\n  s3:\n    region: us-east-1\n",
			wantErr: "output.s3.bucket",
		},
		{
			name:    "s3 output without region",
			content: "output:\n  driver: s3\n  s3:\n    bucket: b\n",
			wantErr: "region or endpoint",
		},
		{
			name:    "hourly above daily",
			content: "quota:\n  global:\n    messages_per_hour: 100\n    messages_per_day: 10\n",
			wantErr: "quota.global.messages_per_hour",
		},
		{
			name:    "negative domain limit",
			content: "quota:\n  per_recipient_domain:\n    messages_per_day: -1\n",
			wantErr: "quota.per_recipient_domain",
		},
		{
			name:    "control without api key",
			content: "control:\n  enabled: true\n",
			wantErr: "control.api_key",
		},
		{
			name:    "invalid log level",
			content: "logging:\n  level: verbose\n",
			wantErr: "logging.level",
		},
		{
			name:    "invalid log format",
			content: "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() error = nil, want error for missing file")
	}
}
