package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
)

//go:embed manifest.schema.json
var schemaJSON []byte

const schemaURL = "https://esta.local/schemas/module-manifest.schema.json"

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("manifest schema load failed: %w", err)
	}
	return c.Compile(schemaURL)
})

// ValidateSchema checks a JSON document against the manifest schema.
func ValidateSchema(doc []byte) error {
	const op = "manifest.ValidateSchema"
	schema, err := compiled()
	if err != nil {
		return err
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return kerr.New(kerr.ManifestInvalid, op, "%v", err)
	}
	if err := schema.Validate(v); err != nil {
		return kerr.New(kerr.ManifestInvalid, op, "%v", err)
	}
	return nil
}
