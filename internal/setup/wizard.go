// Package setup implements the interactive "tunneld setup" wizard that
// writes a starter config.yaml.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tunneld/tunneld/internal/config"
)

const (
	defaultConfigPath   = "/etc/tunneld/config.yaml"
	defaultListenPort   = "80"
	defaultControlPort  = "8080"
	defaultLanding      = "https://localtunnel.github.io/www/"
	defaultMaxTCPSocket = "10"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath string // Override default config path
}

// RunWizard runs the interactive setup wizard. It takes io.Reader/io.Writer
// for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo tunneld setup\n\n")
	}

	fmt.Fprintln(out, "tunneld Setup")
	fmt.Fprintln(out, "=============")
	fmt.Fprintln(out)

	// Step 1: Public domain
	domain := prompt(scanner, out, "Public domain for subdomain routing (e.g. tunnel.example.com): ", "")
	if domain == "" {
		fmt.Fprintln(out, "  WARNING: No domain set. Dispatcher will only route *.localhost for local testing.")
		fmt.Fprintln(out)
	}

	// Step 2: Listen address (public tunnel/proxy traffic)
	listenPort := promptPort(scanner, out,
		fmt.Sprintf("Listen port for tunnel traffic [%s]: ", defaultListenPort),
		defaultListenPort)
	listenAddress := net.JoinHostPort("0.0.0.0", listenPort)

	if reason := checkPortAvailable("0.0.0.0", listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s %s\n\n", listenPort, reason)
	}

	// Step 3: Control-plane listen address
	controlPort := promptPort(scanner, out,
		fmt.Sprintf("Listen port for control-plane API [%s]: ", defaultControlPort),
		defaultControlPort)
	controlAddress := net.JoinHostPort("0.0.0.0", controlPort)

	if reason := checkPortAvailable("0.0.0.0", controlPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s %s\n\n", controlPort, reason)
	}

	// Step 4: Secure (https URLs returned to clients)
	secureAns := prompt(scanner, out, "Serve tunnels over https? [y/N]: ", "n")
	secure := strings.HasPrefix(strings.ToLower(secureAns), "y")

	// Step 5: Max sockets per tunnel
	maxSocketsStr := prompt(scanner, out,
		fmt.Sprintf("Max TCP sockets per tunnel [%s]: ", defaultMaxTCPSocket),
		defaultMaxTCPSocket)
	maxSockets, err := strconv.Atoi(maxSocketsStr)
	if err != nil || maxSockets <= 0 {
		fmt.Fprintf(out, "  WARNING: %q is not a valid socket count, using default %s\n\n", maxSocketsStr, defaultMaxTCPSocket)
		maxSockets, _ = strconv.Atoi(defaultMaxTCPSocket)
	}

	// Step 6: Landing page URL
	landing := prompt(scanner, out,
		fmt.Sprintf("Landing page URL for bare domain requests [%s]: ", defaultLanding),
		defaultLanding)
	if u, err := url.Parse(landing); err != nil || u.Scheme == "" {
		fmt.Fprintf(out, "  WARNING: %q may not be a valid URL\n\n", landing)
	}

	// Step 7: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 8: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	configContent := generateConfig(listenAddress, controlAddress, domain, secure, maxSockets, landing)

	if err := writeConfig(configPath, configContent, isRoot); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 9: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 10: Offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out, "Start tunneld service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start tunneld")
			}
		}
	}

	// Step 11: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:        %s\n", configPath)
	fmt.Fprintf(out, "  Tunnel port:   %s\n", listenAddress)
	fmt.Fprintf(out, "  Control plane: http://%s\n", controlAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check status:   curl http://%s/api/status\n", controlAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u tunneld -f")
	fmt.Fprintln(out, "  Validate:       tunneld validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isPortAvailable is a boolean wrapper over checkPortAvailable for callers
// that don't need the reason string.
func isPortAvailable(host, port string) bool {
	return checkPortAvailable(host, port) == ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the tunneld service.
func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	if err := exec.Command("systemctl", "restart", "tunneld").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "tunneld").Run(); err != nil {
			return err
		}
	}

	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "tunneld").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// generateConfig creates a commented YAML config string matching
// config.Config's shape.
func generateConfig(listenAddress, controlAddress, domain string, secure bool, maxSockets int, landing string) string {
	domainLine := `  domain: ""`
	if domain != "" {
		domainLine = fmt.Sprintf(`  domain: "%s"`, yamlEscapeString(domain))
	}

	return fmt.Sprintf(`# tunneld configuration
# Generated by: tunneld setup

tunnel:
  # REQUIRED: address the tunnel listener binds for public proxy traffic
  listen_address: "%s"

  # REQUIRED: address the control-plane API listener binds
  control_listen_address: "%s"

  # Public domain used for *.domain subdomain routing; empty disables
  # subdomain routing except for *.localhost in local development.
%s

  # Whether URLs returned to clients use https:// instead of http://
  secure: %t

  # Max idle TCP sockets kept per tunnel; above this the oldest idle socket
  # is closed. New connections beyond twice this value are refused.
  max_tcp_sockets: %d

  # Landing page clients are redirected to when hitting the bare domain
  landing: "%s"

security:
  rate_limit:
    enabled: true
    connections_per_minute: 60

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

monitoring:
  metrics_enabled: false
  metrics_endpoint: "/metrics"
`, yamlEscapeString(listenAddress), yamlEscapeString(controlAddress), domainLine, secure, maxSockets, yamlEscapeString(landing))
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool) error {
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if setOwnership {
		u, err := user.Lookup("tunneld")
		if err != nil {
			return nil
		}
		g, err := user.LookupGroup("tunneld")
		if err != nil {
			return nil
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return nil
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return nil
		}
		os.Chown(path, uid, gid)
	}

	return nil
}
