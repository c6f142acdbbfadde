package codec

import (
	"encoding/json"

	"ring-rpc/message"
	"ring-rpc/rpcerr"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
type JSONCodec struct{}

func (c *JSONCodec) Encode(msg *message.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *JSONCodec) Decode(data []byte, msg *message.Message) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return rpcerr.Framingf("json body: %v", err)
	}
	return nil
}

func (c *JSONCodec) Type() Type {
	return TypeJSON
}
