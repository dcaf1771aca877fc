package api

import (
	_ "embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
)

//go:embed register.schema.json
var registerSchemaJSON []byte

var registerSchema = mustSchema(registerSchemaJSON)

func mustSchema(raw []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("api: invalid embedded schema: %v", err))
	}
	return s
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// validateDocument checks body against schema, reporting every violation.
func validateDocument(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return apperr.New(apperr.ErrValidation, "Request body is not valid JSON")
	}
	if result.Valid() {
		return nil
	}
	fields := make([]fieldError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		fields = append(fields, fieldError{Field: desc.Field(), Message: desc.Description()})
	}
	return apperr.WithDetails(apperr.ErrValidation, "Registration body failed schema validation", fields)
}
