// Package api carries the OpenAPI description of the kiroku HTTP surface,
// compiled into the binary so GET /openapi.yaml needs no files on disk.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 document served verbatim by the spec handler.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
