// Package validator checks requests against the OpenAPI document.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	apperrors "capstone-brain/backend/pkg/errors"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
)

// OpenAPIValidator validates requests against an OpenAPI document
type OpenAPIValidator struct {
	load   func() (*openapi3.T, error)
	router routers.Router
	mutex  sync.RWMutex
}

// NewFromFile loads the document at path
func NewFromFile(path string) (*OpenAPIValidator, error) {
	return newValidator(func() (*openapi3.T, error) {
		doc, err := openapi3.NewLoader().LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load OpenAPI schema from %s: %w", path, err)
		}
		return doc, nil
	})
}

// NewFromData parses an in-memory document
func NewFromData(data []byte) (*OpenAPIValidator, error) {
	return newValidator(func() (*openapi3.T, error) {
		doc, err := openapi3.NewLoader().LoadFromData(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse OpenAPI schema: %w", err)
		}
		return doc, nil
	})
}

func newValidator(load func() (*openapi3.T, error)) (*OpenAPIValidator, error) {
	v := &OpenAPIValidator{load: load}
	if err := v.ReloadSchema(); err != nil {
		return nil, err
	}
	return v, nil
}

// ReloadSchema reloads and revalidates the document
func (v *OpenAPIValidator) ReloadSchema() error {
	doc, err := v.load()
	if err != nil {
		return err
	}
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("invalid OpenAPI schema: %w", err)
	}
	// match on paths only, whatever host the API is served from
	doc.Servers = nil

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return fmt.Errorf("error creating OpenAPI router: %w", err)
	}

	v.mutex.Lock()
	v.router = router
	v.mutex.Unlock()
	return nil
}

// Middleware rejects requests whose parameters or body do not match the
// document. Routes the document does not describe pass through.
func (v *OpenAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		v.mutex.RLock()
		router := v.router
		v.mutex.RUnlock()

		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				MultiError:         false,
			},
		}

		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			_ = c.Error(apperrors.NewBadRequestError("INVALID_REQUEST", "Request does not match the API schema").
				WithDetails(describe(err)).
				WithCause(err))
			c.Abort()
			return
		}

		c.Next()
	}
}

// describe turns a validation error into a client-safe message
func describe(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			reason := reqErr.Reason
			if reason == "" && reqErr.Err != nil {
				reason = reqErr.Err.Error()
			}
			return fmt.Sprintf("parameter %q: %s", reqErr.Parameter.Name, reason)
		}
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) {
			field := strings.Join(schemaErr.JSONPointer(), ".")
			if field == "" {
				return schemaErr.Reason
			}
			return field + ": " + schemaErr.Reason
		}
		if reqErr.Reason != "" {
			return reqErr.Reason
		}
	}
	return "request body is invalid"
}
