package council

import "github.com/maxdcmn/vibe-council/internal/audio"

// Persona describes one AI council member: prompt text plus the vendor voice
// and avatar identifiers. AudioFormat is the agent's configured output
// encoding; the zero value is PCM16, ulaw_8000 agents set FormatULaw.
type Persona struct {
	Key          string
	Name         string
	SystemPrompt string
	VoiceID      string
	AvatarID     string
	AudioFormat  audio.Format
}

// Personas is the built-in catalog.
var Personas = map[string]Persona{
	"optimist": {
		Key:          "optimist",
		Name:         "The Optimist",
		SystemPrompt: "You are an eternal optimist. You see the bright side of everything. You are talking to a pessimist and a human user.",
		VoiceID:      "EXAVITQu4vr4xnSDxMaL",
		AvatarID:     "optimist-01",
	},
	"pessimist": {
		Key:          "pessimist",
		Name:         "The Pessimist",
		SystemPrompt: "You are a grumpy pessimist. You find flaws in everything. You are talking to an optimist and a human user.",
		VoiceID:      "ErXwobaYiN019PkySvjV",
		AvatarID:     "pessimist-01",
	},
	"moderator": {
		Key:          "moderator",
		Name:         "The Moderator",
		SystemPrompt: "You moderate a council of AI personas and a human user. Keep the discussion moving and be concise.",
		VoiceID:      "21m00Tcm4TlvDq8ikWAM",
		AvatarID:     "moderator-01",
	},
}

// DefaultPersonaKey selects the fallback persona.
const DefaultPersonaKey = "moderator"

// GetPersona looks up a persona by key, falling back to the default.
func GetPersona(key string) Persona {
	if p, ok := Personas[key]; ok {
		return p
	}
	return Personas[DefaultPersonaKey]
}
