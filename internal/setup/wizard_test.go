package setup

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func noopCheckAPI(io.Writer, string) {}

func testOpts(configPath string) WizardOptions {
	return WizardOptions{
		ConfigPath: configPath,
		CheckAPI:   noopCheckAPI,
	}
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

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim("a, b ,c,, d")
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("splitAndTrim() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitAndTrim()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGenerateConfig_RemoteAPI(t *testing.T) {
	content := generateConfig(wizardConfig{
		listenAddress: "0.0.0.0:8000",
		healthAddress: "127.0.0.1:8081",
		apiProtocol:   "https",
		apiHost:       "www.iot-lab.info",
		apiPort:       "443",
	})
	if !strings.Contains(content, `listen_address: "0.0.0.0:8000"`) {
		t.Error("config should contain listen_address")
	}
	if !strings.Contains(content, `use_local_api: false`) {
		t.Error("config should contain use_local_api: false")
	}
	if !strings.Contains(content, `host: "www.iot-lab.info"`) {
		t.Error("config should contain the api host")
	}
	if !strings.Contains(content, "# REQUIRED") {
		t.Error("config should contain REQUIRED markers")
	}
}

func TestGenerateConfig_LocalAPI(t *testing.T) {
	content := generateConfig(wizardConfig{
		listenAddress: "0.0.0.0:8000",
		healthAddress: "127.0.0.1:8081",
		useLocalAPI:   true,
		localToken:    "mysecret",
		localNodes:    []string{"node-a", "node-b"},
	})
	if !strings.Contains(content, `use_local_api: true`) {
		t.Error("config should contain use_local_api: true")
	}
	if !strings.Contains(content, `local_token: "mysecret"`) {
		t.Error("config should contain the local token")
	}
	if !strings.Contains(content, `- "node-a"`) || !strings.Contains(content, `- "node-b"`) {
		t.Error("config should list both local nodes")
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.yaml")
	content := "test: value\n"

	var out bytes.Buffer
	err := writeConfig(path, content, false, &out)
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

func TestRunWizard_RemoteAPIDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	input := strings.Join([]string{
		"n", // not local API
		"",  // protocol (default)
		"",  // host (default)
		"",  // port (default)
		"",  // user (none)
		"",  // password (none)
		"",  // http proxy (none)
		"",  // listen address (default)
		"",  // health port (default)
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
	if !strings.Contains(content, `listen_address: "0.0.0.0:8000"`) {
		t.Error("config should contain the default listen address")
	}
	if !strings.Contains(content, `use_local_api: false`) {
		t.Error("config should default to the remote API")
	}
}

func TestRunWizard_LocalAPI(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	input := strings.Join([]string{
		"y",               // use local API
		"preset-token",    // local token
		"node-a, node-b",  // local nodes
		"127.0.0.1:9000",  // listen address
		"9091",            // health port
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
	if !strings.Contains(content, `use_local_api: true`) {
		t.Error("config should use the local API")
	}
	if !strings.Contains(content, `local_token: "preset-token"`) {
		t.Error("config should contain the preset token")
	}
	if !strings.Contains(content, `listen_address: "127.0.0.1:9000"`) {
		t.Error("config should contain the custom listen address")
	}
	if !strings.Contains(content, `listen_address: "127.0.0.1:9091"`) {
		t.Error("config should contain the custom health address")
	}
}

func TestRunWizard_ExistingConfig_NoOverwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	os.WriteFile(configPath, []byte("existing"), 0640)

	input := strings.Join([]string{
		"n", // not local API
		"",  // protocol
		"",  // host
		"",  // port
		"",  // user
		"",  // password
		"",  // http proxy
		"",  // listen address
		"",  // health port
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
		"n", // not local API
		"",  // protocol
		"",  // host
		"",  // port
		"",  // user
		"",  // password
		"",  // http proxy
		"",  // listen address
		"",  // health port
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

func TestRunWizard_EOF_AllDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(""), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() should succeed with all defaults: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.Contains(string(data), `listen_address: "0.0.0.0:8000"`) {
		t.Error("config should contain the default listen address")
	}
}

func TestCheckPortAvailable(t *testing.T) {
	_ = checkPortAvailable("127.0.0.1", "0")
}

func TestIsSystemdAvailable(t *testing.T) {
	_ = isSystemdAvailable()
}
