package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("request", requestSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.request = reqSchema

		methods := map[string]string{
			"connect": connectParamsSchema,
		}
		schemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("method_"+name, schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.methods[name] = compiled
		}
	})
	return schemas.initErr
}

func validateRequestFrame(raw []byte) error {
	if err := initSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schemas.request.Validate(payload)
}

// ValidateMethodParams checks a method's params against its schema, when
// one is registered. Methods without a schema validate in their handler.
func ValidateMethodParams(method string, params json.RawMessage) error {
	if err := initSchemas(); err != nil {
		return err
	}
	schema := schemas.methods[method]
	if schema == nil {
		return nil
	}
	var decoded any
	if len(params) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return schema.Validate(decoded)
}

const requestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const connectParamsSchema = `{
  "type": "object",
  "required": ["minProtocol", "maxProtocol", "client"],
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "required": ["id", "version", "platform", "mode"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 },
        "platform": { "type": "string", "minLength": 1 },
        "mode": { "enum": ["client", "node", "channel"] },
        "channel": { "type": "string" },
        "accountId": { "type": "string" }
      },
      "additionalProperties": true
    },
    "tools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "description": { "type": "string" },
          "inputSchema": {}
        },
        "additionalProperties": true
      }
    },
    "nodeRuntime": {
      "type": "object",
      "properties": {
        "hostRole": { "type": "string" },
        "hostCapabilities": { "type": "array", "items": { "type": "string" } },
        "toolCapabilities": {
          "type": "object",
          "additionalProperties": { "type": "array", "items": { "type": "string" } }
        },
        "hostOs": { "type": "string" },
        "hostEnv": { "type": "string" }
      },
      "additionalProperties": true
    },
    "auth": {
      "type": "object",
      "properties": {
        "token": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`
