package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultMaxAgents bounds the number of concurrent council agents.
const DefaultMaxAgents = 6

// Config holds application configuration.
type Config struct {
	HTTPAddress       string
	ElevenLabsAPIKey  string
	ElevenLabsAgentID string
	MaxAgents         int
}

// ValidationError reports missing required environment variables. It is fatal
// at startup.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: missing required environment variables: %s", strings.Join(e.Missing, ", "))
}

// Load reads environment variables and returns Config with sane defaults.
// Missing required variables fail fast with a ValidationError.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	maxAgents := DefaultMaxAgents
	if raw := os.Getenv("MAX_AGENTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			log.Printf("Warning: MAX_AGENTS=%q invalid - using default %d", raw, DefaultMaxAgents)
		} else {
			maxAgents = n
		}
	}

	var missing []string
	apiKey := os.Getenv("ELEVENLABS_API_KEY")
	if apiKey == "" {
		missing = append(missing, "ELEVENLABS_API_KEY")
	}
	agentID := os.Getenv("ELEVENLABS_AGENT_ID")
	if agentID == "" {
		missing = append(missing, "ELEVENLABS_AGENT_ID")
	}
	if len(missing) > 0 {
		return Config{}, &ValidationError{Missing: missing}
	}

	log.Printf("config: HTTP_ADDRESS=%s MAX_AGENTS=%d", addr, maxAgents)
	return Config{
		HTTPAddress:       addr,
		ElevenLabsAPIKey:  apiKey,
		ElevenLabsAgentID: agentID,
		MaxAgents:         maxAgents,
	}, nil
}
