package config

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ConfigSchema is the JSON Schema the raw config document is validated
// against before unmarshalling. It catches type and enum mistakes that
// mapstructure would silently coerce or zero out.
const ConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "data_dir": {
      "type": "string"
    },
    "storage": {
      "type": "object",
      "properties": {
        "backend": {
          "type": "string",
          "enum": ["disabled", "memory", "file", "sqlite", "blob", "redis"]
        },
        "path": {
          "type": "string"
        },
        "redis": {
          "type": "object",
          "properties": {
            "addr": {"type": "string"},
            "password": {"type": "string"},
            "db": {"type": "integer", "minimum": 0}
          }
        }
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "host": {"type": "string"},
        "shared_secret": {"type": "string"},
        "tick_interval_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {
          "type": "string",
          "enum": ["debug", "info", "warn", "error"]
        },
        "file": {"type": "string"},
        "console": {"type": "boolean"},
        "pretty": {"type": "boolean"},
        "max_size": {"type": "integer", "minimum": 1},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      }
    },
    "tracing": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"}
      }
    },
    "maintenance": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "schedule": {"type": "string"}
      }
    },
    "agent": {
      "type": "object",
      "properties": {
        "model": {"type": "string"},
        "temperature": {"type": "number", "minimum": 0, "maximum": 1},
        "max_tokens": {"type": "integer", "minimum": 0},
        "system_prompt": {"type": "string"},
        "max_retries": {"type": "integer", "minimum": 0}
      }
    },
    "ai": {
      "type": "object",
      "properties": {
        "profiles": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "provider", "api_key"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "provider": {
                "type": "string",
                "enum": ["anthropic", "openai"]
              },
              "api_key": {"type": "string", "minLength": 1},
              "priority": {"type": "integer"}
            }
          }
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(ConfigSchema)

// ValidateDocument validates raw config JSON against the embedded schema.
func ValidateDocument(data []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, err := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += err.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}

	return nil
}
