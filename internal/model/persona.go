package model

// Persona is an automated participant whose turns come from the
// generation gateway. The set is closed; priority for summon handling
// is the order of Personas.
type Persona string

const (
	PersonaLexi Persona = "Lexi"
	PersonaSumi Persona = "Sumi"
)

// Personas in priority order.
var Personas = []Persona{PersonaLexi, PersonaSumi}

func ValidPersona(p Persona) bool {
	for _, known := range Personas {
		if p == known {
			return true
		}
	}
	return false
}

// PersonaProfile carries the per-persona instruction profile handed to
// the gateway unchanged on every call.
type PersonaProfile struct {
	Name         Persona
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}
