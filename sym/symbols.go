// Package sym defines the glyphs mailpulse prints in logs and CLI output.
// They are stable across the API, the CLI and the worker logs so that a
// grep for a glyph finds every line about one subsystem.
package sym

// System glyphs.
const (
	Pulse      = "꩜" // job engine: workers, runners, send budgets
	PulseOpen  = "✿" // pool startup and orphaned job recovery
	PulseClose = "❀" // shutdown with checkpoint preservation
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
)

// Channel glyphs, used by CLI tables.
const (
	Email    = "✉"
	SMS      = "☏"
	WhatsApp = "⌁"
	Leads    = "⌖"
)

var descriptions = map[string]string{
	Pulse:      "Job engine, workers and send budgets",
	PulseOpen:  "Startup with orphaned job recovery",
	PulseClose: "Shutdown with checkpoint preservation",
	DB:         "Database and storage layer",
	AM:         "Configuration",
	Email:      "Email campaigns",
	SMS:        "SMS campaigns",
	WhatsApp:   "WhatsApp campaigns",
	Leads:      "Lead generation",
}

// Describe returns the human description of a glyph, or "" if unknown.
func Describe(glyph string) string {
	return descriptions[glyph]
}

// All returns every glyph this package defines.
func All() []string {
	return []string{Pulse, PulseOpen, PulseClose, DB, AM, Email, SMS, WhatsApp, Leads}
}
