package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const renderSettingsSchema = `{
	"type": "object",
	"properties": {
		"resolution": {"type": "string", "pattern": "^[1-9][0-9]*x[1-9][0-9]*$"},
		"format": {"enum": ["mp4", "mov", "mkv", "webm"]}
	},
	"required": ["resolution", "format"],
	"additionalProperties": false
}`

const transcriptSchema = `{
	"type": "object",
	"properties": {
		"full_text": {"type": "string"},
		"words": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"word": {"type": "string"},
					"start": {"type": "number", "minimum": 0},
					"end": {"type": "number", "minimum": 0},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				},
				"required": ["word", "start", "end", "confidence"]
			}
		}
	},
	"required": ["full_text"]
}`

var (
	createJobSchema = mustCompile("create_job.json", `{
		"type": "object",
		"properties": {
			"owner": {"type": "integer"},
			"input_location": {"type": "string", "minLength": 1},
			"render_settings": `+renderSettingsSchema+`
		},
		"required": ["owner", "input_location"],
		"additionalProperties": false
	}`)

	completeJobSchema = mustCompile("complete_job.json", `{
		"type": "object",
		"properties": {
			"output_locations": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string", "minLength": 1}
			},
			"transcript": `+transcriptSchema+`
		},
		"required": ["output_locations"],
		"additionalProperties": false
	}`)

	failJobSchema = mustCompile("fail_job.json", `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		},
		"required": ["reason"],
		"additionalProperties": false
	}`)
)

func mustCompile(name, src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// validateBody checks body against schema and returns a client-facing
// message describing the first violation.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return errors.New("invalid JSON")
	}
	err := schema.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "body"
	}
	return fmt.Errorf("%s: %s", loc, ve.Message)
}
