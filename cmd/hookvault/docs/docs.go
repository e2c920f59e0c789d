// Package docs is generated by swag init from the annotations in cmd/hookvault and internal/*/handler.go.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {
            "name": "Apache 2.0",
            "url": "http://www.apache.org/licenses/LICENSE-2.0.html"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/webhooks": {
            "get": {
                "description": "Paginated audit trail of received events, newest first",
                "produces": ["application/json"],
                "tags": ["webhooks"],
                "summary": "List webhook events",
                "parameters": [
                    {"type": "integer", "default": 0, "description": "Zero-based page", "name": "page", "in": "query"},
                    {"type": "integer", "default": 20, "description": "Page size", "name": "size", "in": "query"},
                    {"enum": ["pending", "ok", "error"], "type": "string", "description": "Result filter", "name": "status", "in": "query"},
                    {"type": "string", "description": "Substring of event type or provider event id", "name": "q", "in": "query"},
                    {"type": "string", "description": "Received at or after (RFC3339)", "name": "from", "in": "query"},
                    {"type": "string", "description": "Received before (RFC3339)", "name": "to", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/query.Page"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/webhooks/{id}": {
            "get": {
                "description": "Full event including payload, idempotency keys and processing traces",
                "produces": ["application/json"],
                "tags": ["webhooks"],
                "summary": "Get a webhook event",
                "parameters": [
                    {"type": "string", "description": "Event ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/query.Detail"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/webhooks/{provider}": {
            "post": {
                "description": "Verifies the provider signature, stores the event once per provider event id and runs or queues its first processing attempt. Duplicate deliveries are acknowledged without reprocessing.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["webhooks"],
                "summary": "Receive a webhook delivery",
                "parameters": [
                    {"enum": ["stripe", "github", "patreon", "generic"], "type": "string", "description": "Provider", "name": "provider", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/receiver.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "errors.ErrorResponse": {
            "type": "object",
            "properties": {
                "details": {"type": "object", "additionalProperties": true},
                "error": {"type": "string"},
                "error_code": {"type": "string"}
            }
        },
        "eventstore.Trace": {
            "type": "object",
            "properties": {
                "message": {"type": "string"},
                "timestamp": {"type": "string"}
            }
        },
        "query.Summary": {
            "type": "object",
            "properties": {
                "attempts": {"type": "integer"},
                "eventId": {"type": "string"},
                "eventType": {"type": "string"},
                "id": {"type": "string"},
                "processedAt": {"type": "string"},
                "provider": {"type": "string"},
                "receivedAt": {"type": "string"},
                "result": {"type": "string", "enum": ["pending", "ok", "error"]},
                "signatureVerified": {"type": "boolean"}
            }
        },
        "query.Detail": {
            "type": "object",
            "properties": {
                "attempts": {"type": "integer"},
                "eventId": {"type": "string"},
                "eventType": {"type": "string"},
                "id": {"type": "string"},
                "idempotencyKeys": {"type": "array", "items": {"type": "string"}},
                "lastError": {"type": "string"},
                "payload": {"type": "string", "format": "base64"},
                "payloadHash": {"type": "string"},
                "processedAt": {"type": "string"},
                "provider": {"type": "string"},
                "receivedAt": {"type": "string"},
                "result": {"type": "string", "enum": ["pending", "ok", "error"]},
                "signatureVerified": {"type": "boolean"},
                "traces": {"type": "array", "items": {"$ref": "#/definitions/eventstore.Trace"}}
            }
        },
        "query.Page": {
            "type": "object",
            "properties": {
                "items": {"type": "array", "items": {"$ref": "#/definitions/query.Summary"}},
                "page": {"type": "integer"},
                "size": {"type": "integer"},
                "total": {"type": "integer"}
            }
        },
        "receiver.Response": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "result": {"type": "string", "enum": ["pending", "ok", "error"]},
                "status": {"type": "string", "enum": ["accepted", "duplicate"]}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{"http", "https"},
	Title:            "hookvault API",
	Description:      "Receives signed webhooks, processes each event exactly once and exposes the audit trail.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
