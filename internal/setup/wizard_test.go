package setup

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testOpts(configPath string) WizardOptions {
	return WizardOptions{ConfigPath: configPath}
}

func TestPrompt_WithInput(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("custom-value\n")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "default")
	if result != "custom-value" {
		t.Errorf("prompt() = %q, want %q", result, "custom-value")
	}
	if !strings.Contains(out.String(), "Enter value: ") {
		t.Error("prompt should print the message to out")
	}
}

func TestPrompt_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("\n")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "default-val")
	if result != "default-val" {
		t.Errorf("prompt() = %q, want %q", result, "default-val")
	}
}

func TestPrompt_EOF(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "fallback")
	if result != "fallback" {
		t.Errorf("prompt() = %q, want %q on EOF", result, "fallback")
	}
}

func TestGenerateConfig(t *testing.T) {
	content := generateConfig("0.0.0.0:80", "0.0.0.0:8080", "tunnel.example.com", false, 10, "https://localtunnel.github.io/www/")
	if !strings.Contains(content, `listen_address: "0.0.0.0:80"`) {
		t.Error("config should contain listen_address")
	}
	if !strings.Contains(content, `control_listen_address: "0.0.0.0:8080"`) {
		t.Error("config should contain control_listen_address")
	}
	if !strings.Contains(content, `domain: "tunnel.example.com"`) {
		t.Error("config should contain domain")
	}
	if !strings.Contains(content, "secure: false") {
		t.Error("config should contain secure: false")
	}
	if !strings.Contains(content, "max_tcp_sockets: 10") {
		t.Error("config should contain max_tcp_sockets")
	}
	if !strings.Contains(content, "# REQUIRED") {
		t.Error("config should contain REQUIRED markers")
	}
}

func TestGenerateConfig_Secure(t *testing.T) {
	content := generateConfig("0.0.0.0:80", "0.0.0.0:8080", "", true, 25, "https://example.com/landing")
	if !strings.Contains(content, "secure: true") {
		t.Error("config should contain secure: true")
	}
	if !strings.Contains(content, `domain: ""`) {
		t.Error("config should contain empty domain when none given")
	}
	if !strings.Contains(content, "max_tcp_sockets: 25") {
		t.Error("config should contain custom max_tcp_sockets")
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.yaml")
	content := "test: value\n"

	err := writeConfig(path, content, false)
	if err != nil {
		t.Fatalf("writeConfig() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}
	if string(data) != content {
		t.Errorf("config content = %q, want %q", string(data), content)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0640 {
		t.Errorf("config permissions = %o, want 0640", info.Mode().Perm())
	}
}

func TestRunWizard_AllDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	// Prompts: domain, listen port, control port, secure, max sockets, landing
	input := strings.Join([]string{
		"tunnel.example.com",
		"",
		"",
		"",
		"",
		"",
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	output := out.String()
	if !strings.Contains(output, "Setup complete!") {
		t.Error("wizard should print completion message")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `listen_address: "0.0.0.0:80"`) {
		t.Error("config should contain the default listen address")
	}
	if !strings.Contains(content, `domain: "tunnel.example.com"`) {
		t.Error("config should contain the entered domain")
	}
}

func TestRunWizard_CustomValues(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	input := strings.Join([]string{
		"custom.example.com",
		"9090",
		"9091",
		"y",
		"25",
		"https://example.com/landing",
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `listen_address: "0.0.0.0:9090"`) {
		t.Error("config should contain custom listen port")
	}
	if !strings.Contains(content, `control_listen_address: "0.0.0.0:9091"`) {
		t.Error("config should contain custom control port")
	}
	if !strings.Contains(content, "secure: true") {
		t.Error("config should contain secure: true")
	}
	if !strings.Contains(content, "max_tcp_sockets: 25") {
		t.Error("config should contain custom max sockets")
	}
	if !strings.Contains(content, `landing: "https://example.com/landing"`) {
		t.Error("config should contain custom landing URL")
	}
}

func TestRunWizard_ExistingConfig_NoOverwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	os.WriteFile(configPath, []byte("existing"), 0640)

	input := strings.Join([]string{
		"tunnel.example.com",
		"", "", "", "", "",
		"n", // don't overwrite
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if string(data) != "existing" {
		t.Error("config should not be overwritten when user says no")
	}
	if !strings.Contains(out.String(), "Setup cancelled") {
		t.Error("should print cancellation message")
	}
}

func TestRunWizard_ExistingConfig_Overwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	os.WriteFile(configPath, []byte("old"), 0640)

	input := strings.Join([]string{
		"tunnel.example.com",
		"", "", "", "", "",
		"y", // overwrite
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.Contains(string(data), "listen_address") {
		t.Error("config should be overwritten with new content")
	}
}

func TestRunWizard_EOF_NoDomain(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(""), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() should succeed with all defaults on EOF: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.Contains(string(data), `listen_address: "0.0.0.0:80"`) {
		t.Error("config should contain the default listen address")
	}
	if !strings.Contains(string(data), `domain: ""`) {
		t.Error("config should contain empty domain")
	}
}

func TestIsPortAvailable(t *testing.T) {
	_ = isPortAvailable("127.0.0.1", "0")
}
