package tenant

import (
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const directorySchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "default": { "$ref": "#/$defs/profile" },
    "tenants": {
      "type": "array",
      "items": {
        "allOf": [
          { "$ref": "#/$defs/profile" },
          { "required": ["id", "display_name", "numbers"] }
        ]
      }
    }
  },
  "$defs": {
    "stringList": { "type": "array", "items": { "type": "string" } },
    "profile": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "display_name": { "type": "string", "minLength": 1 },
        "numbers": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string", "pattern": "^\\+?[0-9 ().-]{6,}$" }
        },
        "language": { "type": "string", "pattern": "^[a-z]{2}$" },
        "locale": { "type": "string" },
        "timezone": { "type": "string" },
        "opening_hours": { "type": "string" },
        "check_in": { "type": "string" },
        "check_out": { "type": "string" },
        "services": { "$ref": "#/$defs/stringList" },
        "allowed_topics": { "$ref": "#/$defs/stringList" },
        "forbidden_actions": { "$ref": "#/$defs/stringList" },
        "collect_fields": { "$ref": "#/$defs/stringList" },
        "tone": { "type": "string" },
        "register": { "enum": ["vous", "tu"] },
        "voice": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "gender": { "enum": ["female", "male"] },
            "language": { "type": "string" }
          }
        }
      }
    }
  }
}`

var (
	directorySchemaOnce sync.Once
	directorySchema     *jsonschema.Schema
	directorySchemaErr  error
)

func compiledDirectorySchema() (*jsonschema.Schema, error) {
	directorySchemaOnce.Do(func() {
		directorySchema, directorySchemaErr = jsonschema.CompileString("tenants.schema.json", directorySchemaJSON)
	})
	return directorySchema, directorySchemaErr
}
