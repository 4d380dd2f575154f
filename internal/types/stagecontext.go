package types

import (
	"encoding/json"
	"time"
)

// StageContextVersion tags the checkpoint schema. Consumers must keep
// unknown fields from newer writers intact, so bumping this is additive.
const StageContextVersion = 1

// FlatMessage is a conversation entry reduced to role+text. Tool-call and
// tool-result structure is intentionally collapsed to its textual narrative.
type FlatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// PromptVars are the variables the stage prompts were rendered with.
type PromptVars struct {
	Date     string `json:"date"`
	Language string `json:"language"`
}

// StageContext is the checkpoint captured once, immediately after the
// structure stage succeeds. It is immutable after capture; replay entry
// points seed private conversation copies from it instead of re-running
// research and structure.
type StageContext struct {
	SchemaVersion int           `json:"schema_version"`
	CreatedAt     time.Time     `json:"created_at"`
	Query         string        `json:"query"`
	Mode          string        `json:"mode"`
	Detail        string        `json:"detail"`
	Workspace     string        `json:"workspace"`
	Vars          PromptVars    `json:"vars"`
	SystemPrompt  string        `json:"system_prompt"`
	Conversation  []FlatMessage `json:"conversation"`

	// extra holds fields written by newer schema versions. They survive a
	// decode/encode round trip untouched.
	extra map[string]json.RawMessage
}

var stageContextKnown = map[string]bool{
	"schema_version": true,
	"created_at":     true,
	"query":          true,
	"mode":           true,
	"detail":         true,
	"workspace":      true,
	"vars":           true,
	"system_prompt":  true,
	"conversation":   true,
}

func (sc *StageContext) UnmarshalJSON(data []byte) error {
	type alias StageContext
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if stageContextKnown[k] {
			delete(all, k)
		}
	}
	*sc = StageContext(a)
	if len(all) > 0 {
		sc.extra = all
	}
	return nil
}

func (sc StageContext) MarshalJSON() ([]byte, error) {
	type alias StageContext
	base, err := json.Marshal(alias(sc))
	if err != nil {
		return nil, err
	}
	if len(sc.extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range sc.extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
