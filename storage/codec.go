package storage

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"tasklist/domain"
)

const (
	fileIndent = "    "
	schemaURL  = "tasks.schema.json"
)

//go:embed tasks.schema.json
var schemaSource []byte

// fileCodec writes HTML and non-ASCII characters verbatim so the file stays readable.
var fileCodec = sonic.Config{
	EscapeHTML:     false,
	ValidateString: true,
}.Froze()

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func taskSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaSource)); err != nil {
			schemaErr = fmt.Errorf("load task schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

func encodeTasks(tasks []domain.Task) ([]byte, error) {
	data, err := fileCodec.MarshalIndent(tasks, "", fileIndent)
	if err != nil {
		return nil, fmt.Errorf("encode tasks: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeTasks parses data as a task collection. The document must match the
// task schema and carry unique ids.
func decodeTasks(data []byte) ([]domain.Task, error) {
	sch, err := taskSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse tasks: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, newSchemaError(err)
	}

	var tasks []domain.Task
	if err := fileCodec.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	if id, ok := duplicateID(tasks); ok {
		return nil, fmt.Errorf("validate tasks: duplicate id %d", id)
	}
	return tasks, nil
}

// schemaError names the first place in the document that broke the schema,
// as a JSON pointer such as "/3/task".
type schemaError struct {
	location string
	err      error
}

func newSchemaError(err error) *schemaError {
	se := &schemaError{err: err}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		for len(ve.Causes) > 0 {
			ve = ve.Causes[0]
		}
		se.location = ve.InstanceLocation
	}
	return se
}

func (e *schemaError) Error() string {
	return fmt.Sprintf("validate tasks at %q: %v", e.location, e.err)
}

func (e *schemaError) Unwrap() error { return e.err }

func duplicateID(tasks []domain.Task) (int, bool) {
	seen := make(map[int]struct{}, len(tasks))
	for _, t := range tasks {
		if _, ok := seen[t.ID]; ok {
			return t.ID, true
		}
		seen[t.ID] = struct{}{}
	}
	return 0, false
}
