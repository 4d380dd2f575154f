package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"codemap/internal/jsonutil"
	"codemap/internal/types"
)

// ErrNoPayload is returned when no structured payload could be located in
// free-form model text.
var ErrNoPayload = errors.New("extract: no structured payload found")

var (
	// reFence matches a fenced code block with an optional language tag.
	reFence = regexp.MustCompile("(?s)```([a-zA-Z0-9_+.-]*)[ \t]*\r?\n(.*?)```")
)

// TaggedBlock returns the content between <tag> and </tag>, trimmed. Model
// output is untrusted, so the match is lenient about surrounding prose and
// takes the first opening tag and the last closing tag.
func TaggedBlock(text, tag string) (string, bool) {
	open := "<" + tag + ">"
	closing := "</" + tag + ">"
	i := strings.Index(text, open)
	if i < 0 {
		return "", false
	}
	rest := text[i+len(open):]
	j := strings.LastIndex(rest, closing)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}

// FencedBlock returns the body of the first fenced block whose language tag
// matches lang (case-insensitive). Empty lang matches any fence.
func FencedBlock(text, lang string) (string, bool) {
	for _, m := range reFence.FindAllStringSubmatch(text, -1) {
		if lang == "" || strings.EqualFold(m[1], lang) {
			return strings.TrimSpace(m[2]), true
		}
	}
	return "", false
}

// DiagramText pulls diagram source out of a model response: a dedicated
// mermaid fence first, then any fence, then the whole trimmed response.
func DiagramText(text string) string {
	if body, ok := FencedBlock(text, "mermaid"); ok {
		return body
	}
	if body, ok := FencedBlock(text, ""); ok {
		return body
	}
	return strings.TrimSpace(text)
}

// Codemap parses a structured codemap payload out of model text. A
// tag-delimited block is authoritative; failing that, a loose-JSON scan over
// the whole response is attempted. Either path must yield a codemap with at
// least one trace.
func Codemap(text string) (*types.Codemap, error) {
	raw, ok := payload(text, "codemap")
	if !ok {
		return nil, ErrNoPayload
	}
	var cm types.Codemap
	if err := jsonutil.UnmarshalFlex(raw, &cm); err != nil {
		return nil, fmt.Errorf("extract: codemap payload: %w", err)
	}
	if len(cm.Traces) == 0 {
		return nil, fmt.Errorf("extract: codemap payload has no traces")
	}
	return &cm, nil
}

// Locations parses the location list emitted by the annotation pass.
func Locations(text string) ([]types.Location, error) {
	raw, ok := payload(text, "locations")
	if !ok {
		return nil, ErrNoPayload
	}
	var locs []types.Location
	if err := jsonutil.UnmarshalFlex(raw, &locs); err != nil {
		// The tagged body may wrap the list in an object.
		var wrapped struct {
			Locations []types.Location `json:"locations"`
		}
		if err2 := jsonutil.UnmarshalFlex(raw, &wrapped); err2 != nil || len(wrapped.Locations) == 0 {
			return nil, fmt.Errorf("extract: locations payload: %w", err)
		}
		return wrapped.Locations, nil
	}
	return locs, nil
}

// payload finds the JSON body for one tag: tagged block, fenced json block
// inside or outside the tag, then a loose brace scan over the full text.
func payload(text, tag string) (json.RawMessage, bool) {
	body := text
	if tagged, ok := TaggedBlock(text, tag); ok {
		body = tagged
	}
	if fenced, ok := FencedBlock(body, "json"); ok {
		body = fenced
	} else if fenced, ok := FencedBlock(body, ""); ok {
		body = fenced
	}
	if raw, ok := looseJSON(body); ok {
		return raw, true
	}
	if body != text {
		// The tag body was prose; fall back to scanning everything.
		return looseJSON(text)
	}
	return nil, false
}

// looseJSON scans for the first balanced JSON object or array in s. Brace
// matching is string-aware so braces inside string values do not confuse it.
func looseJSON(s string) (json.RawMessage, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return nil, false
	}
	var (
		depth    int
		inString bool
		escaped  bool
	)
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate), true
				}
				// Keep scanning past a false positive.
				if raw, ok := looseJSON(s[i+1:]); ok {
					return raw, true
				}
				return nil, false
			}
		}
	}
	return nil, false
}
