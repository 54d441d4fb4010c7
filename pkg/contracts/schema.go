package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Persisted state and reviewer submissions are only ever restored
// through schema-validated JSON. Nothing in this package evaluates
// stored text as anything but data.

const feedbackPayloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["decision", "reviewer_id"],
  "properties": {
    "decision": {"type": "string", "enum": ["approve", "modify", "skip"]},
    "reviewer_id": {"type": "string", "minLength": 1},
    "comment": {"type": "string"},
    "modifications": {"type": "object"}
  },
  "additionalProperties": false
}`

const sessionSnapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "status", "current_phase", "total_phases"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["PENDING", "RUNNING", "AWAITING_FEEDBACK", "COMPLETED", "FAILED", "CANCELLED"]},
    "current_phase": {"type": "integer", "minimum": 0},
    "total_phases": {"type": "integer", "minimum": 1}
  }
}`

var (
	compiledFeedbackSchema *jsonschema.Schema
	compiledSessionSchema  *jsonschema.Schema
)

func init() {
	compiledFeedbackSchema = mustCompile("feedback_payload", feedbackPayloadSchema)
	compiledSessionSchema = mustCompile("session_snapshot", sessionSnapshotSchema)
}

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://atelier.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("contracts: schema %s load: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("contracts: schema %s compile: %v", name, err))
	}
	return compiled
}

// DecodeFeedbackPayload validates raw reviewer JSON against the
// feedback schema and decodes it.
func DecodeFeedbackPayload(raw []byte) (FeedbackPayload, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return FeedbackPayload{}, fmt.Errorf("feedback payload: decode: %w", err)
	}
	if err := compiledFeedbackSchema.Validate(generic); err != nil {
		return FeedbackPayload{}, fmt.Errorf("feedback payload: schema: %w", err)
	}

	var payload FeedbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return FeedbackPayload{}, fmt.Errorf("feedback payload: unmarshal: %w", err)
	}
	return payload, nil
}

// DecodeSessionSnapshot validates a session document restored from
// storage outside the repository, such as the Redis status cache,
// before it is trusted.
func DecodeSessionSnapshot(raw []byte) (Session, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return Session{}, fmt.Errorf("session snapshot: decode: %w", err)
	}
	if err := compiledSessionSchema.Validate(generic); err != nil {
		return Session{}, fmt.Errorf("session snapshot: schema: %w", err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("session snapshot: unmarshal: %w", err)
	}
	if s.CurrentPhase > s.TotalPhases {
		return Session{}, fmt.Errorf("session snapshot: current_phase %d exceeds total_phases %d", s.CurrentPhase, s.TotalPhases)
	}
	return s, nil
}
