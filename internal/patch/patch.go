// Package patch applies RFC 6902 JSON Patch documents reversibly: every
// apply also produces the patch that would undo it. No library in the
// dependency graph exposes an invertible apply, so the apply/invert replay
// loop below is hand-rolled; syntax validation still goes through
// evanphx/json-patch before anything is interpreted, so a structurally
// malformed patch is rejected before this package's own logic ever runs.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/api-client/net-store/internal/apperr"
)

// Op is one RFC 6902 operation.
type Op struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch is an ordered sequence of operations.
type Patch []Op

var (
	// ErrMalformed means the patch failed structural validation.
	ErrMalformed = errors.New("patch: malformed patch document")
	// ErrImmutablePath means an operation targeted a protected field.
	ErrImmutablePath = errors.New("patch: operation targets an immutable path")
)

// ValidateSyntax decodes raw as a JSON Patch, rejecting anything
// evanphx/json-patch would refuse to apply (unknown op names, missing
// required fields, non-array top level), then re-decodes it into our own
// Op shape for the apply/invert logic below.
func ValidateSyntax(raw []byte) (Patch, error) {
	if _, err := jsonpatch.DecodePatch(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var ops Patch
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ops, nil
}

// ImmutablePath reports whether path is, or is nested under, one of prefixes.
func ImmutablePath(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Engine validates and applies patches against JSON documents.
type Engine struct{}

// New builds a patch Engine. It holds no state; every call is independent.
func New() *Engine { return &Engine{} }

// Apply applies rawPatch to doc (both JSON-encoded), rejecting operations
// that touch immutablePrefixes. It returns the resulting document and the
// patch that, applied to the result, would restore doc exactly.
func (e *Engine) Apply(doc, rawPatch []byte, immutablePrefixes []string) (newDoc, inverse []byte, err error) {
	ops, err := ValidateSyntax(rawPatch)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.InvalidPatch, "malformed patch", err)
	}

	newDoc, invOps, err := apply(doc, ops, immutablePrefixes)
	if err != nil {
		if errors.Is(err, ErrImmutablePath) {
			return nil, nil, apperr.Wrap(apperr.InvalidPatch, "patch touches an immutable field", err)
		}
		return nil, nil, apperr.Wrap(apperr.InvalidPatch, "patch application failed", err)
	}

	inverse, err = json.Marshal(invOps)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "encoding reverse patch", err)
	}
	return newDoc, inverse, nil
}

// apply is the apply+invert replay loop. It operates on a freshly decoded
// copy of doc (json.Unmarshal never aliases the caller's bytes), applying
// operations in order and recording, for each, the operation(s) that undo
// it. The final inverse patch is those per-operation inverses in reverse
// application order, so replaying it restores the original document.
func apply(docBytes []byte, ops Patch, immutablePrefixes []string) ([]byte, Patch, error) {
	var doc any
	if err := json.Unmarshal(docBytes, &doc); err != nil {
		return nil, nil, fmt.Errorf("patch: decoding document: %w", err)
	}

	var invGroups []Patch
	for _, op := range ops {
		if ImmutablePath(op.Path, immutablePrefixes) || (op.From != "" && ImmutablePath(op.From, immutablePrefixes)) {
			return nil, nil, ErrImmutablePath
		}
		inv, err := applyOne(&doc, op)
		if err != nil {
			return nil, nil, fmt.Errorf("applying %s %s: %w", op.Op, op.Path, err)
		}
		if len(inv) > 0 {
			invGroups = append(invGroups, inv)
		}
	}

	for i, j := 0, len(invGroups)-1; i < j; i, j = i+1, j-1 {
		invGroups[i], invGroups[j] = invGroups[j], invGroups[i]
	}
	var inverse Patch
	for _, g := range invGroups {
		inverse = append(inverse, g...)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("patch: encoding result: %w", err)
	}
	return out, inverse, nil
}

// applyOne applies a single operation to *doc and returns the operation(s)
// that undo it, in the order they must be replayed.
func applyOne(doc *any, op Op) (Patch, error) {
	// appended resolves a trailing "-" to the index an add just appended at.
	appended := func(p string) string {
		parent := strings.TrimSuffix(p, "/-")
		if arr, ok, _ := get(*doc, parent); ok && parent != p {
			if a, isArr := arr.([]any); isArr && len(a) > 0 {
				return parent + "/" + strconv.Itoa(len(a)-1)
			}
		}
		return p
	}

	switch op.Op {
	case "add":
		val, err := decodeValue(op.Value)
		if err != nil {
			return nil, err
		}
		existed, old, err := addAt(doc, op.Path, val)
		if err != nil {
			return nil, err
		}
		if existed {
			return Patch{{Op: "replace", Path: op.Path, Value: mustMarshal(old)}}, nil
		}
		return Patch{{Op: "remove", Path: appended(op.Path)}}, nil

	case "remove":
		old, err := removeAt(doc, op.Path)
		if err != nil {
			return nil, err
		}
		return Patch{{Op: "add", Path: op.Path, Value: mustMarshal(old)}}, nil

	case "replace":
		val, err := decodeValue(op.Value)
		if err != nil {
			return nil, err
		}
		old, err := replaceAt(doc, op.Path, val)
		if err != nil {
			return nil, err
		}
		return Patch{{Op: "replace", Path: op.Path, Value: mustMarshal(old)}}, nil

	case "move":
		val, ok, err := get(*doc, op.From)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("move source %q not found", op.From)
		}
		if _, err := removeAt(doc, op.From); err != nil {
			return nil, err
		}
		existed, old, err := addAt(doc, op.Path, val)
		if err != nil {
			return nil, err
		}
		var inv Patch
		if existed {
			inv = append(inv, Op{Op: "replace", Path: op.Path, Value: mustMarshal(old)})
		} else {
			inv = append(inv, Op{Op: "remove", Path: appended(op.Path)})
		}
		inv = append(inv, Op{Op: "add", Path: op.From, Value: mustMarshal(val)})
		return inv, nil

	case "copy":
		val, ok, err := get(*doc, op.From)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("copy source %q not found", op.From)
		}
		existed, old, err := addAt(doc, op.Path, deepCopy(val))
		if err != nil {
			return nil, err
		}
		if existed {
			return Patch{{Op: "replace", Path: op.Path, Value: mustMarshal(old)}}, nil
		}
		return Patch{{Op: "remove", Path: appended(op.Path)}}, nil

	case "test":
		val, ok, err := get(*doc, op.Path)
		if err != nil {
			return nil, err
		}
		want, err := decodeValue(op.Value)
		if err != nil {
			return nil, err
		}
		if !ok || !reflect.DeepEqual(val, want) {
			return nil, fmt.Errorf("test failed at %q", op.Path)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown operation %q", op.Op)
	}
}

func decodeValue(raw json.RawMessage) (any, error) {
	var v any
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return v, nil
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

func deepCopy(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var cp any
	_ = json.Unmarshal(raw, &cp)
	return cp
}

// --- JSON Pointer navigation (RFC 6901) ---

func decodePointer(ptr string) ([]string, error) {
	if ptr == "" {
		return nil, nil
	}
	if !strings.HasPrefix(ptr, "/") {
		return nil, fmt.Errorf("invalid pointer %q", ptr)
	}
	parts := strings.Split(ptr[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		parts[i] = p
	}
	return parts, nil
}

// arrayIndex parses a pointer token as an array index. limit is the number
// of existing elements; "-" resolves to it. Range checks are left to the
// caller (add accepts index==len, the others do not).
func arrayIndex(token string, limit int) (int, error) {
	if token == "-" {
		return limit, nil
	}
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return 0, fmt.Errorf("invalid array index %q", token)
	}
	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid array index %q", token)
	}
	return idx, nil
}

// navigateToParent walks doc down to the container holding the final
// pointer token, returning that container and the token.
func navigateToParent(doc any, tokens []string) (parent any, lastKey string, err error) {
	cur := doc
	for _, t := range tokens[:len(tokens)-1] {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[t]
			if !ok {
				return nil, "", fmt.Errorf("path segment %q not found", t)
			}
			cur = next
		case []any:
			idx, err := arrayIndex(t, len(c))
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, "", fmt.Errorf("array index %q out of range", t)
			}
			cur = c[idx]
		default:
			return nil, "", fmt.Errorf("cannot descend into scalar at %q", t)
		}
	}
	return cur, tokens[len(tokens)-1], nil
}

func get(doc any, pointer string) (any, bool, error) {
	tokens, err := decodePointer(pointer)
	if err != nil {
		return nil, false, err
	}
	if len(tokens) == 0 {
		return doc, true, nil
	}
	parent, key, err := navigateToParent(doc, tokens)
	if err != nil {
		return nil, false, nil
	}
	switch c := parent.(type) {
	case map[string]any:
		v, ok := c[key]
		return v, ok, nil
	case []any:
		idx, err := arrayIndex(key, len(c))
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false, nil
		}
		return c[idx], true, nil
	default:
		return nil, false, nil
	}
}

// writeBack replaces the container at containerPath (relative to *root)
// with newContainer. It is only needed when an array mutation reallocates
// the backing slice — map and in-place scalar mutations are visible to
// every holder of the container without it, since maps and slices are
// reference types.
func writeBack(root *any, containerPath []string, newContainer any) error {
	if len(containerPath) == 0 {
		*root = newContainer
		return nil
	}
	parent, key, err := navigateToParent(*root, containerPath)
	if err != nil {
		return err
	}
	switch c := parent.(type) {
	case map[string]any:
		c[key] = newContainer
		return nil
	case []any:
		idx, err := arrayIndex(key, len(c))
		if err != nil || idx < 0 || idx >= len(c) {
			return fmt.Errorf("array index %q out of range", key)
		}
		c[idx] = newContainer
		return nil
	default:
		return fmt.Errorf("cannot write back into scalar")
	}
}

func addAt(doc *any, pointer string, value any) (existed bool, old any, err error) {
	tokens, err := decodePointer(pointer)
	if err != nil {
		return false, nil, err
	}
	if len(tokens) == 0 {
		old = *doc
		*doc = value
		return true, old, nil
	}
	parent, key, err := navigateToParent(*doc, tokens)
	if err != nil {
		return false, nil, err
	}
	switch c := parent.(type) {
	case map[string]any:
		old, existed = c[key]
		c[key] = value
		return existed, old, nil
	case []any:
		idx, err := arrayIndex(key, len(c))
		if err != nil || idx < 0 || idx > len(c) {
			return false, nil, fmt.Errorf("array index %q out of range", key)
		}
		next := make([]any, 0, len(c)+1)
		next = append(next, c[:idx]...)
		next = append(next, value)
		next = append(next, c[idx:]...)
		if err := writeBack(doc, tokens[:len(tokens)-1], next); err != nil {
			return false, nil, err
		}
		return false, nil, nil
	default:
		return false, nil, fmt.Errorf("cannot add into scalar")
	}
}

func removeAt(doc *any, pointer string) (old any, err error) {
	tokens, err := decodePointer(pointer)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		old = *doc
		*doc = nil
		return old, nil
	}
	parent, key, err := navigateToParent(*doc, tokens)
	if err != nil {
		return nil, err
	}
	switch c := parent.(type) {
	case map[string]any:
		old, ok := c[key]
		if !ok {
			return nil, fmt.Errorf("path %q not found", pointer)
		}
		delete(c, key)
		return old, nil
	case []any:
		idx, err := arrayIndex(key, len(c))
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("path %q not found", pointer)
		}
		old := c[idx]
		next := make([]any, 0, len(c)-1)
		next = append(next, c[:idx]...)
		next = append(next, c[idx+1:]...)
		if err := writeBack(doc, tokens[:len(tokens)-1], next); err != nil {
			return nil, err
		}
		return old, nil
	default:
		return nil, fmt.Errorf("cannot remove from scalar")
	}
}

func replaceAt(doc *any, pointer string, value any) (old any, err error) {
	tokens, err := decodePointer(pointer)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		old = *doc
		*doc = value
		return old, nil
	}
	parent, key, err := navigateToParent(*doc, tokens)
	if err != nil {
		return nil, err
	}
	switch c := parent.(type) {
	case map[string]any:
		old, ok := c[key]
		if !ok {
			return nil, fmt.Errorf("path %q not found", pointer)
		}
		c[key] = value
		return old, nil
	case []any:
		idx, err := arrayIndex(key, len(c))
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("path %q not found", pointer)
		}
		old := c[idx]
		c[idx] = value
		return old, nil
	default:
		return nil, fmt.Errorf("cannot replace scalar container")
	}
}
