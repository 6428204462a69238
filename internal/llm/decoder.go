package llm

import (
	"encoding/json"
	"strings"
)

// StreamDecoder turns one iteration's provider events into text and
// finalized tool calls. A decoder is not safe for concurrent use and must
// not be reused across iterations.
type StreamDecoder struct {
	text      strings.Builder
	sawDelta  bool
	fallback  []string
	calls     map[string]*toolCallFragment // call id, or "item:<id>" until the call id is known
	order     []*toolCallFragment
	aliases   map[string]string // item id -> call id
	completed bool
	usage     *Usage
	respID    string
}

type toolCallFragment struct {
	callID     string
	itemID     string
	name       string
	args       strings.Builder
	final      bool
	thoughtSig []byte
}

func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{
		calls:   make(map[string]*toolCallFragment),
		aliases: make(map[string]string),
	}
}

// Decode consumes one event and returns text that should be forwarded to
// the client right away, if any.
func (d *StreamDecoder) Decode(event ProviderEvent) string {
	switch ev := event.(type) {
	case TextDelta:
		if ev.Text == "" {
			return ""
		}
		d.sawDelta = true
		d.text.WriteString(ev.Text)
		return ev.Text

	case ItemAdded:
		if ev.Kind != ItemFunctionCall {
			return ""
		}
		if f := d.fragment(ev.ItemID, ev.CallID); f != nil && f.name == "" {
			f.name = ev.Name
		}

	case ArgumentsDelta:
		f := d.fragment(ev.ItemID, ev.CallID)
		if f != nil && !f.final {
			f.args.WriteString(ev.Delta)
		}

	case ArgumentsDone:
		d.finishCall(ev.ItemID, ev.CallID, ev.Name, ev.Arguments, nil)

	case OutputItemDone:
		switch ev.Item.Kind {
		case ItemFunctionCall:
			d.finishCall(ev.Item.ItemID, ev.Item.CallID, ev.Item.Name, ev.Item.Arguments, ev.Item.ThoughtSig)
		case ItemMessage:
			for _, segment := range ev.Item.Text {
				if segment != "" {
					d.fallback = append(d.fallback, segment)
				}
			}
			// Refusals are not streamed as text deltas.
			refusal := strings.Join(ev.Item.Refusal, "")
			if refusal != "" {
				d.text.WriteString(refusal)
				return refusal
			}
		}

	case Completed:
		d.completed = true
		d.respID = ev.ResponseID
		if ev.Usage != nil {
			d.usage = ev.Usage
		}

	case Retrying, Ignored:
	}
	return ""
}

// Finish is called once the provider stream has ended. When no text deltas
// were seen it returns the text of completed message items so it can be
// forwarded as a single chunk.
func (d *StreamDecoder) Finish() string {
	if d.sawDelta || len(d.fallback) == 0 {
		return ""
	}
	text := strings.Join(d.fallback, "")
	d.text.WriteString(text)
	d.fallback = nil
	return text
}

// Text returns all text produced during the iteration.
func (d *StreamDecoder) Text() string {
	return d.text.String()
}

// Completed reports whether the provider signalled the end of its turn.
func (d *StreamDecoder) Completed() bool {
	return d.completed
}

func (d *StreamDecoder) Usage() *Usage {
	return d.usage
}

// ResponseID is the provider's id for the turn, when it reports one.
func (d *StreamDecoder) ResponseID() string {
	return d.respID
}

// ToolCalls returns the finalized tool calls in discovery order.
func (d *StreamDecoder) ToolCalls() []ToolCall {
	if len(d.order) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(d.order))
	for _, f := range d.order {
		// Item ids are only unique within one stream; a call without a
		// provider call id keeps an empty ID for the engine to assign.
		id := f.callID
		args := strings.TrimSpace(f.args.String())
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{
			ID:         id,
			Name:       f.name,
			Arguments:  json.RawMessage(args),
			ThoughtSig: f.thoughtSig,
		})
	}
	return calls
}

// finishCall applies a terminal payload. A non-empty terminal argument text
// replaces whatever the deltas accumulated.
func (d *StreamDecoder) finishCall(itemID, callID, name, args string, thoughtSig []byte) {
	f := d.fragment(itemID, callID)
	if f == nil {
		return
	}
	if args != "" {
		f.args.Reset()
		f.args.WriteString(args)
	}
	if name != "" {
		f.name = name
	}
	if len(thoughtSig) > 0 {
		f.thoughtSig = thoughtSig
	}
	f.final = true
}

// fragment finds or creates the fragment for a call. Deltas that only name
// an item are resolved through the item's alias; if the call id is not
// known yet the fragment is held under the item id and promoted once the
// call id shows up.
func (d *StreamDecoder) fragment(itemID, callID string) *toolCallFragment {
	if callID == "" && itemID != "" {
		callID = d.aliases[itemID]
	}
	if callID == "" {
		if itemID == "" {
			return nil
		}
		key := "item:" + itemID
		if f, ok := d.calls[key]; ok {
			return f
		}
		f := &toolCallFragment{itemID: itemID}
		d.calls[key] = f
		d.order = append(d.order, f)
		return f
	}

	if f, ok := d.calls[callID]; ok {
		if itemID != "" && f.itemID == "" {
			f.itemID = itemID
			d.aliases[itemID] = callID
		}
		return f
	}
	if itemID != "" {
		d.aliases[itemID] = callID
		key := "item:" + itemID
		if f, ok := d.calls[key]; ok {
			delete(d.calls, key)
			f.callID = callID
			d.calls[callID] = f
			return f
		}
	}
	f := &toolCallFragment{callID: callID, itemID: itemID}
	d.calls[callID] = f
	d.order = append(d.order, f)
	return f
}
