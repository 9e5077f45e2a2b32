package remote

import (
	"bytes"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	tabFileSchemaURL          = "https://spacestage.local/schemas/tab-file.json"
	navigationConfigSchemaURL = "https://spacestage.local/schemas/navigation-config.json"
)

const tabFileSchema = `{
  "type": "object",
  "required": ["name", "config", "timestamp"],
  "properties": {
    "spaceId": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "config": {"type": "object"},
    "timestamp": {"type": "string", "minLength": 1},
    "isPrivate": {"type": "boolean"}
  }
}`

const navigationConfigSchema = `{
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "label", "href"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "label": {"type": "string", "minLength": 1, "maxLength": 50},
          "href": {"type": "string", "pattern": "^/[a-z0-9_/-]+$"},
          "icon": {"type": "string"},
          "spaceId": {"type": "string"},
          "requiresAuth": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	sources := map[string]string{
		tabFileSchemaURL:          tabFileSchema,
		navigationConfigSchemaURL: navigationConfigSchema,
	}
	for url, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(source)))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, err
		}
	}
	out := make(map[string]*jsonschema.Schema, len(sources))
	for url := range sources {
		sch, err := c.Compile(url)
		if err != nil {
			return nil, err
		}
		out[url] = sch
	}
	return out, nil
})

// ValidateTabFile checks a tab payload against the tab file schema.
func ValidateTabFile(data []byte) error {
	return validate("tab", tabFileSchemaURL, data)
}

// ValidateNavigationConfig checks a navigation config document.
func ValidateNavigationConfig(data []byte) error {
	return validate("navigation config", navigationConfigSchemaURL, data)
}

func validate(kind, url string, data []byte) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &PayloadError{Kind: kind, Err: err}
	}
	if err := schemas[url].Validate(inst); err != nil {
		return &PayloadError{Kind: kind, Err: err}
	}
	return nil
}
