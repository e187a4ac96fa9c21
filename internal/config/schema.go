package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "nanobot-config.schema.json"

var (
	schemaOnce     sync.Once
	schemaJSON     []byte
	compiledSchema *validator.Schema
	schemaErr      error
)

// Schema returns the JSON schema of the persisted config record, reflected
// from Config. Unknown properties are not allowed anywhere.
func Schema() ([]byte, error) {
	initSchema()
	return schemaJSON, schemaErr
}

func initSchema() {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			Anonymous:                  true,
			DoNotReference:             true,
			RequiredFromJSONSchemaTags: true, // required-ness is checked after env overrides
		}
		s := r.Reflect(&Config{})
		s.Title = "nanobot configuration"

		schemaJSON, schemaErr = json.MarshalIndent(s, "", "  ")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("marshal config schema: %w", schemaErr)
			return
		}
		compiledSchema, schemaErr = validator.CompileString(schemaURL, string(schemaJSON))
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile config schema: %w", schemaErr)
		}
	})
}

func validateDocument(doc interface{}) error {
	initSchema()
	if schemaErr != nil {
		return schemaErr
	}
	return compiledSchema.Validate(doc)
}

// schemaProblems flattens a validation error into "location: message" lines.
func schemaProblems(err error) []string {
	var ve *validator.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	for _, e := range ve.BasicOutput().Errors {
		// parent entries only say "doesn't validate with <ref>"
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out = append(out, fmt.Sprintf("%s: %s", loc, e.Error))
	}
	if len(out) == 0 {
		out = append(out, ve.Error())
	}
	return out
}
