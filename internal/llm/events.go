package llm

import "time"

// ProviderEvent is one typed event from a provider stream. The concrete
// types below are the complete set; consumers switch on them exhaustively.
type ProviderEvent interface {
	providerEvent()
}

// OutputItemKind discriminates items a provider adds to its output.
type OutputItemKind string

const (
	ItemMessage      OutputItemKind = "message"
	ItemFunctionCall OutputItemKind = "function_call"
	ItemReasoning    OutputItemKind = "reasoning"
)

// ItemAdded announces a new output item. For function calls ItemID is the
// provider's handle used by later deltas and CallID the id tool results
// must reference. Either may be empty if the provider only has one.
type ItemAdded struct {
	Kind   OutputItemKind
	ItemID string
	CallID string
	Name   string
}

// TextDelta is an incremental chunk of assistant text.
type TextDelta struct {
	Text string
}

// ArgumentsDelta is an incremental chunk of a function call's arguments.
type ArgumentsDelta struct {
	ItemID string
	CallID string
	Delta  string
}

// ArgumentsDone carries the complete argument text for a call.
type ArgumentsDone struct {
	ItemID    string
	CallID    string
	Name      string
	Arguments string
}

// OutputItemDone carries a completed output item as the provider reported it.
type OutputItemDone struct {
	Item OutputItem
}

// OutputItem is a finished provider output item.
type OutputItem struct {
	Kind       OutputItemKind
	ItemID     string
	CallID     string
	Name       string
	Arguments  string
	Text       []string // output_text segments of a message
	Refusal    []string
	ThoughtSig []byte
}

// Completed marks the end of the provider's turn.
type Completed struct {
	ResponseID string
	Usage      *Usage
}

// Retrying reports that opening the stream failed transiently and will be
// attempted again after Wait.
type Retrying struct {
	Attempt     int
	MaxAttempts int
	Wait        time.Duration
	Err         error
}

// Ignored is a provider event with no meaning to the decoder.
type Ignored struct {
	Type string
}

func (ItemAdded) providerEvent()      {}
func (TextDelta) providerEvent()      {}
func (ArgumentsDelta) providerEvent() {}
func (ArgumentsDone) providerEvent()  {}
func (OutputItemDone) providerEvent() {}
func (Completed) providerEvent()      {}
func (Retrying) providerEvent()       {}
func (Ignored) providerEvent()        {}
