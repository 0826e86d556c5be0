package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== Mnemo Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	// API Keys
	fmt.Fprintln(w.out, "API Keys (at least one is required):")
	fmt.Fprintln(w.out)

	// Anthropic API Key
	for {
		fmt.Fprint(w.out, "Anthropic API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		if err := validator.ValidateAPIKey(key, "anthropic"); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}

		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "anthropic-default",
			Provider: "anthropic",
			APIKey:   key,
			Priority: 1,
		})
		break
	}

	// OpenAI API Key
	for {
		fmt.Fprint(w.out, "OpenAI API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		if err := validator.ValidateAPIKey(key, "openai"); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}

		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "openai-default",
			Provider: "openai",
			APIKey:   key,
			Priority: 2,
		})
		break
	}

	if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}

	fmt.Fprintln(w.out)

	// Session Storage
	fmt.Fprintln(w.out, "Session Storage:")
	fmt.Fprintln(w.out, "  sqlite - item-per-row database (default)")
	fmt.Fprintln(w.out, "  file   - one JSON Lines file per session")
	fmt.Fprintln(w.out, "  blob   - whole-history rows in SQLite")
	fmt.Fprintln(w.out, "  memory - in-process only, lost on restart")
	fmt.Fprint(w.out, "Backend [sqlite]: ")
	backend, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if backend != "" {
		if err := validator.ValidateBackend(backend); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (sqlite)\n", err)
		} else {
			cfg.Storage.Backend = backend
		}
	}

	fmt.Fprintln(w.out)

	// Gateway
	fmt.Fprintln(w.out, "Gateway:")
	fmt.Fprint(w.out, "Port [8080]: ")
	portText, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if portText != "" {
		port, convErr := strconv.Atoi(portText)
		if convErr != nil || validator.ValidatePort(port) != nil {
			fmt.Fprintf(w.out, "Warning: invalid port %q, using default (8080)\n", portText)
		} else {
			cfg.Gateway.Port = port
		}
	}

	for {
		fmt.Fprint(w.out, "Shared secret (required): ")
		secret, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if secret == "" {
			fmt.Fprintln(w.out, "Error: shared secret is required")
			continue
		}

		cfg.Gateway.SharedSecret = secret
		break
	}

	fmt.Fprintln(w.out)

	// Log Level
	fmt.Fprintln(w.out, "Logging:")
	fmt.Fprint(w.out, "Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
