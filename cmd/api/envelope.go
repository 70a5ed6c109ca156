package main

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"gigflow/protocol"
)

// envelope is the body of POST /api/messages. The sender is always the
// caller's wallet.
type envelope struct {
	To      string          `json:"to"`
	Op      protocol.Op     `json:"op"`
	QueryID uint64          `json:"queryId"`
	Value   protocol.Coins  `json:"value"`
	Body    json.RawMessage `json:"body"`
}

// compileEnvelopeSchema builds the schema from the current opcode table so
// internal opcodes can never be submitted.
func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	ops := protocol.PartyOps()
	names := make([]string, 0, len(ops))
	for _, op := range ops {
		names = append(names, op.String())
	}
	schema := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"op"},
		"properties": map[string]any{
			"to":      map[string]any{"type": "string", "pattern": "^([0-9a-f]{64})?$"},
			"op":      map[string]any{"type": "string", "enum": names},
			"queryId": map[string]any{"type": "integer", "minimum": 0},
			"value":   map[string]any{"type": "integer", "minimum": 0},
			"body":    map[string]any{"type": []string{"object", "null"}},
		},
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	s, err := jsonschema.CompileString("gigflow://envelope.schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return s, nil
}
