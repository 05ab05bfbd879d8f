package quantize

// Event names emitted around a Quantize call.
const (
	EventStart    = "quantization:start"
	EventComplete = "quantization:complete"
)

// Event is delivered to the engine's event callback for external observers.
// The engine never consumes its own events.
type Event struct {
	Name       string
	RunID      string
	SourcePath string

	// Config is set on EventStart.
	Config *Config

	// Result is set on EventComplete.
	Result *Result
}

// EventFunc receives engine events. Callbacks run synchronously on the
// orchestrating goroutine and should return quickly.
type EventFunc func(Event)
