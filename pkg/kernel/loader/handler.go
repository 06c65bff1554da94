package loader

import (
	"encoding/json"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
)

// Handler is a module's single entry point: a synchronous function from
// request envelope to result payload with no hidden state.
type Handler interface {
	Handle(env envelope.Envelope) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(env envelope.Envelope) (json.RawMessage, error)

func (f HandlerFunc) Handle(env envelope.Envelope) (json.RawMessage, error) { return f(env) }

// Coster is implemented by handlers that report a deterministic cost in
// simulated milliseconds for a request, such as fuel consumed by a WASM
// module. Handlers without it are charged the kernel's flat message cost.
type Coster interface {
	Cost(env envelope.Envelope) int64
}
