// Package extract turns free-form model output into tool invocations.
//
// The remote model cannot call functions; it is instructed to express
// intent as a JSON object with a "tool" field, but a model that usually
// follows instructions still fails in predictable ways. Extraction
// therefore tries three strategies in order:
//
//  1. a fenced block tagged ```json containing the object;
//  2. an untagged ``` fenced block, same shape;
//  3. raw JSON with no fence at all, located by scanning for the first
//     `{"tool"` opener and counting braces (string-aware and
//     escape-aware, since pretty-printed JSON may carry braces inside
//     string values) until the depth returns to zero.
//
// The first strategy that yields a JSON object with a "tool" key wins.
// Malformed candidates and unknown tool names are discarded and the
// scan falls through; absence of a parseable call is a normal outcome,
// never an error.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"tether/internal/tools"
)

const fence = "```"

// Parse scans the full text of one model turn for a tool invocation.
// The boolean reports whether a call was found.
func Parse(text string) (tools.Invocation, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tools.Invocation{}, false
	}

	// Strategy 1: ```json fenced blocks.
	for _, b := range fencedBlocks(text) {
		if b.tag != "json" {
			continue
		}
		if inv, ok := decodeCandidate(b.body); ok {
			return inv, true
		}
	}

	// Strategy 2: untagged fenced blocks.
	for _, b := range fencedBlocks(text) {
		if b.tag != "" {
			continue
		}
		if inv, ok := decodeCandidate(b.body); ok {
			return inv, true
		}
	}

	// Strategy 3: raw JSON located by brace counting. A malformed
	// candidate does not end the scan; later objects still get a try.
	rest := text
	for {
		raw, next, ok := scanRawObject(rest)
		if !ok {
			break
		}
		if inv, ok := decodeCandidate(raw); ok {
			return inv, true
		}
		rest = rest[next:]
	}

	return tools.Invocation{}, false
}

// block is one fenced code block: its language tag (lowercased, may be
// empty) and its body.
type block struct {
	tag  string
	body string
}

// fencedBlocks returns every complete ``` fenced block in text.
// An unterminated trailing fence is ignored.
func fencedBlocks(text string) []block {
	var blocks []block

	rest := text
	for {
		open := strings.Index(rest, fence)
		if open < 0 {
			break
		}
		rest = rest[open+len(fence):]

		end := strings.Index(rest, fence)
		if end < 0 {
			break
		}
		inner := rest[:end]
		rest = rest[end+len(fence):]

		tag := ""
		body := inner
		// A language tag is the remainder of the opening fence's line.
		if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
			head := strings.TrimSpace(inner[:nl])
			if head != "" && !strings.ContainsAny(head, "{}") {
				tag = strings.ToLower(head)
				body = inner[nl+1:]
			}
		}
		blocks = append(blocks, block{tag: tag, body: strings.TrimSpace(body)})
	}

	return blocks
}

// scanRawObject finds the first JSON object in text whose first key is
// "tool" and returns the balanced-brace substring containing it, plus
// the offset just past the object for resuming the scan.
//
// Brace counting tracks string and escape state, so braces inside
// string values (pretty-printed code content, for example) don't
// terminate the scan early.
func scanRawObject(text string) (raw string, next int, ok bool) {
	start := -1
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		j := i + 1
		for j < len(text) && unicode.IsSpace(rune(text[j])) {
			j++
		}
		if strings.HasPrefix(text[j:], `"tool"`) {
			start = i
			break
		}
	}
	if start < 0 {
		return "", 0, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], i + 1, true
			}
		}
	}

	// Braces never balanced: truncated output.
	return "", 0, false
}

// decodeCandidate parses one candidate JSON fragment into an
// Invocation. It fails (without error) when the fragment is not a JSON
// object, lacks a "tool" key, or names an unknown tool.
func decodeCandidate(raw string) (tools.Invocation, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return tools.Invocation{}, false
	}
	toolRaw, ok := obj["tool"]
	if !ok {
		return tools.Invocation{}, false
	}

	// Normal case: "tool" is a string naming the tool.
	var name string
	if err := json.Unmarshal(toolRaw, &name); err == nil {
		return buildInvocation(name, obj["parameters"])
	}

	// Defensive case: the model occasionally emits an array of calls
	// instead of a single object. Only the first element is used.
	var list []map[string]json.RawMessage
	if err := json.Unmarshal(toolRaw, &list); err == nil && len(list) > 0 {
		first := list[0]
		if err := json.Unmarshal(first["tool"], &name); err == nil {
			return buildInvocation(name, first["parameters"])
		}
	}

	return tools.Invocation{}, false
}

// buildInvocation validates the tool name and flattens the parameters
// object to string values.
func buildInvocation(name string, paramsRaw json.RawMessage) (tools.Invocation, bool) {
	kind, ok := tools.ParseKind(name)
	if !ok {
		return tools.Invocation{}, false
	}

	params := make(map[string]string)
	if len(paramsRaw) > 0 {
		var m map[string]any
		if err := json.Unmarshal(paramsRaw, &m); err != nil {
			return tools.Invocation{}, false
		}
		for k, v := range m {
			params[k] = stringifyParam(v)
		}
	}

	return tools.Invocation{Kind: kind, Params: params}, true
}

// stringifyParam renders one parameter value as a string. String
// values pass through verbatim (preserving any embedded braces);
// everything else round-trips through JSON encoding.
func stringifyParam(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
		return fmt.Sprint(val)
	}
}
