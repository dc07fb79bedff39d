// Package api holds the OpenAPI document served and enforced by the HTTP API.
package api

import _ "embed"

// OpenAPI is the embedded api/openapi.yaml
//
//go:embed openapi.yaml
var OpenAPI []byte
