package router

import (
	"capstone-brain/backend/api"
	"capstone-brain/backend/pkg/validator"
)

// AddOpenAPIValidation validates requests against the OpenAPI document.
// schemaPath overrides the embedded document when set.
func (r *Router) AddOpenAPIValidation(schemaPath string) error {
	var (
		v   *validator.OpenAPIValidator
		err error
	)
	if schemaPath != "" {
		v, err = validator.NewFromFile(schemaPath)
	} else {
		v, err = validator.NewFromData(api.OpenAPI)
	}
	if err != nil {
		return err
	}

	r.Engine.Use(v.Middleware())
	if schemaPath != "" {
		r.Logger.Info("OpenAPI validation enabled", "schema", schemaPath)
	} else {
		r.Logger.Info("OpenAPI validation enabled", "schema", "embedded")
	}
	return nil
}
