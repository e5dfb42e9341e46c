// Package encoding provides centralized serialization/deserialization for
// walpipe. ALL msgpack operations MUST go through this package to ensure
// consistent behavior: fk-chain-touch payloads, dispatch envelopes and
// cursor snapshots all share the same codec settings.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode
// as Go strings (not []byte). Row values travel as text, and string identity
// matters when they are compared against primary keys downstream.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings
// (not []byte), so row values round-trip as text rather than binary.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
