// Package api holds the kiroku HTTP API description, served at /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 document for the /v1 routes.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
