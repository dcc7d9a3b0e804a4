package conversation

import (
	"encoding/json"

	"github.com/flowmesh-dev/conductor/internal/llm"
)

// chunkPayload and finalPayload are the JSON shapes published on a
// session's event-bus topic; internal/api's SSE handler decodes these
// directly into wire events for the browser.
type chunkPayload struct {
	Content string `json:"content"`
	Index   int    `json:"index"`
	Delta   bool   `json:"delta"`
}

type finalPayload struct {
	Text          string         `json:"text"`
	ExecuteIntent *ExecuteIntent `json:"execute_intent,omitempty"`
	Final         bool           `json:"final"`
}

func encodeChunk(chunk llm.Chunk, index int) json.RawMessage {
	raw, _ := json.Marshal(chunkPayload{Content: chunk.Content, Index: index, Delta: chunk.Delta})
	return raw
}

func encodeFinal(resp *Response) json.RawMessage {
	raw, _ := json.Marshal(finalPayload{Text: resp.Text, ExecuteIntent: resp.ExecuteIntent, Final: true})
	return raw
}
