package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
gmail:
  sender: me@example.com
send:
  subject_template: "Hello {Name}"
  body_template: "Hi"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Send.Intent != "new" {
		t.Errorf("default intent = %q", cfg.Send.Intent)
	}
	if cfg.Send.EmailColumn != "Email" {
		t.Errorf("default email column = %q", cfg.Send.EmailColumn)
	}
	if cfg.Send.Delay != 20*time.Second {
		t.Errorf("default delay = %v", cfg.Send.Delay)
	}
	if cfg.Send.BatchSize != 50 {
		t.Errorf("default batch size = %d", cfg.Send.BatchSize)
	}
	if cfg.Send.ReplyPolicy != "downgrade" {
		t.Errorf("default reply policy = %q", cfg.Send.ReplyPolicy)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadInvalidIntent(t *testing.T) {
	path := writeConfig(t, `
send:
  intent: forward
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid intent")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: verbose
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestLoadNegativeDelay(t *testing.T) {
	path := writeConfig(t, `
send:
  delay: -5s
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative delay")
	}
}

func TestTemplateFileAndInlineExclusive(t *testing.T) {
	path := writeConfig(t, `
send:
  subject_template: "Hello"
  subject_file: subject.txt
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for template/file conflict")
	}
}

func TestValidateCredentials(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	if err := cfg.ValidateCredentials(); err == nil {
		t.Fatal("expected error without credentials")
	}

	cfg.Gmail = GmailConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		RefreshToken: "token",
		Sender:       "me@example.com",
	}
	if err := cfg.ValidateCredentials(); err != nil {
		t.Fatal(err)
	}
}

func TestTemplatesFromFiles(t *testing.T) {
	dir := t.TempDir()
	subjectFile := filepath.Join(dir, "subject.txt")
	bodyFile := filepath.Join(dir, "body.txt")
	os.WriteFile(subjectFile, []byte("Hello {Name}"), 0644)
	os.WriteFile(bodyFile, []byte("Dear {Name},"), 0644)

	cfg := &Config{}
	cfg.Send.SubjectFile = subjectFile
	cfg.Send.BodyFile = bodyFile

	subject, body, err := cfg.Templates()
	if err != nil {
		t.Fatal(err)
	}
	if subject != "Hello {Name}" || body != "Dear {Name}," {
		t.Errorf("templates not read: %q / %q", subject, body)
	}
}

func TestTemplatesMissing(t *testing.T) {
	cfg := &Config{}
	if _, _, err := cfg.Templates(); err == nil {
		t.Fatal("expected error for missing templates")
	}
}
