package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Params are the arguments of a cached operation.
type Params map[string]any

const (
	// ParamTaskID and ParamUserID are indexed for exact invalidation.
	ParamTaskID = "task_id"
	ParamUserID = "user_id"
)

// Key derives the cache key for an operation call.
//
// encoding/json writes map keys in sorted order at every nesting level, which
// makes the encoding canonical for map-shaped parameters.
func Key(operation string, params Params) (string, error) {
	op := strings.TrimSpace(operation)
	if op == "" {
		return "", fmt.Errorf("cache: operation name required")
	}
	if params == nil {
		params = Params{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("cache: encode params for %s: %w", op, err)
	}
	h := sha256.New()
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func indexValue(params Params, name string) string {
	v, ok := params[name]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	return strings.TrimSpace(s)
}
