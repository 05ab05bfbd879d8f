package ggml

import (
	"cmp"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// KV holds model metadata in insertion order. Preserving on-disk key order
// matters: rewriting a model must be reproducible bit for bit.
type KV struct {
	om *orderedmap.OrderedMap[string, any]
}

// NewKV returns an empty metadata map.
func NewKV() KV {
	return KV{om: orderedmap.New[string, any]()}
}

// Set stores value under key, keeping the key's existing position if present.
func (kv KV) Set(key string, value any) {
	kv.om.Set(key, value)
}

// Value returns the raw value for key, or nil.
func (kv KV) Value(key string) any {
	v, _ := kv.om.Get(key)
	return v
}

// Len returns the number of keys.
func (kv KV) Len() int {
	return kv.om.Len()
}

// Keys returns all keys in insertion order.
func (kv KV) Keys() []string {
	keys := make([]string, 0, kv.om.Len())
	for pair := kv.om.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// String returns the string value for key, or the given default.
func (kv KV) String(key string, defaultValue ...string) string {
	if v, ok := kv.om.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return append(defaultValue, "")[0]
}

// Uint returns the unsigned value for key, or the given default.
func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	if v, ok := kv.om.Get(key); ok {
		switch n := v.(type) {
		case uint32:
			return n
		case uint64:
			return uint32(n)
		case int32:
			return uint32(n)
		}
	}
	return append(defaultValue, 0)[0]
}

// Uint64 returns the 64-bit unsigned value for key, or the given default.
func (kv KV) Uint64(key string, defaultValue ...uint64) uint64 {
	if v, ok := kv.om.Get(key); ok {
		switch n := v.(type) {
		case uint64:
			return n
		case uint32:
			return uint64(n)
		}
	}
	return append(defaultValue, 0)[0]
}

// Bool returns the boolean value for key, or the given default.
func (kv KV) Bool(key string, defaultValue ...bool) bool {
	if v, ok := kv.om.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return append(defaultValue, false)[0]
}

// Architecture returns general.architecture, or "unknown".
func (kv KV) Architecture() string {
	return cmp.Or(kv.String("general.architecture"), "unknown")
}

// EmbeddingLength returns the model's embedding width, if recorded.
func (kv KV) EmbeddingLength() uint64 {
	return uint64(kv.Uint(kv.Architecture() + ".embedding_length"))
}

// VocabSize returns the tokenizer vocabulary size, if recorded.
func (kv KV) VocabSize() uint64 {
	if v, ok := kv.om.Get("tokenizer.ggml.tokens"); ok {
		if tokens, ok := v.([]string); ok {
			return uint64(len(tokens))
		}
	}
	return uint64(kv.Uint(kv.Architecture() + ".vocab_size"))
}

// Clone returns a copy sharing no structure with the receiver. Values are
// copied by reference; metadata values are treated as immutable.
func (kv KV) Clone() KV {
	out := NewKV()
	for pair := kv.om.Oldest(); pair != nil; pair = pair.Next() {
		out.om.Set(pair.Key, pair.Value)
	}
	return out
}
