package http

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const invoiceSchemaJSON = `{
  "type": "object",
  "required": ["id", "hash", "satsRequested"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "hash": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
    "hmac": {"type": "string"},
    "bolt11": {"type": "string"},
    "satsRequested": {"type": "integer", "minimum": 1},
    "satsReceived": {"type": "integer", "minimum": 0},
    "expiresAt": {"type": "string"},
    "confirmedAt": {"type": ["string", "null"]},
    "cancelledAt": {"type": ["string", "null"]},
    "cancelled": {"type": "boolean"},
    "isHeld": {"type": "boolean"},
    "actionError": {"type": "string"}
  }
}`

const responseSchemaJSON = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "paymentMethod": {"enum": ["", "OPTIMISTIC", "PESSIMISTIC", "FEE_CREDIT"]},
      "invoice": {"anyOf": [{"type": "null"}, ` + invoiceSchemaJSON + `]}
    }
  }
}`

var (
	invoiceSchema  = mustSchema(invoiceSchemaJSON)
	responseSchema = mustSchema(responseSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid schema: %v", err))
	}
	return schema
}

// ValidateInvoiceJSON checks an invoice document returned by the server
func ValidateInvoiceJSON(body []byte) error {
	return validate(invoiceSchema, body)
}

// ValidateResponseJSON checks a paid operation response returned by the server
func ValidateResponseJSON(body []byte) error {
	return validate(responseSchema, body)
}

func validate(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("invalid response: %s", strings.Join(errs, "; "))
}
