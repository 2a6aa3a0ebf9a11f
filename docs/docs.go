// Package docs holds the OpenAPI description served at /docs.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Worker information",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.WorkerInfoResponse"}}
                }
            }
        },
        "/health": {
            "get": {
                "description": "Healthy unless a source has been failing for longer than its reconnect backoff cap",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.HealthResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/handlers.HealthResponse"}}
                }
            }
        },
        "/sources": {
            "get": {
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "List sources",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.SourceDescriptor"}}}
                }
            },
            "post": {
                "description": "Registers a new source in the stopped state",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Add a source",
                "parameters": [
                    {"description": "Source descriptor", "name": "source", "in": "body", "required": true, "schema": {"$ref": "#/definitions/models.SourceDescriptor"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/models.SourceDescriptor"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sources/check": {
            "post": {
                "description": "Opens the stream and waits for its first frame",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Check a stream URI",
                "parameters": [
                    {"description": "Stream to probe", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CheckRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/streamcapture.ProbeResult"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sources/start": {
            "post": {
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Start every enabled source",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/sources/stop": {
            "post": {
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Stop every source",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/sources/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Get a source",
                "parameters": [{"type": "string", "description": "Source ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.SourceResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "put": {
                "description": "Replaces the descriptor; stream or OSC destination changes restart a running source",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Update a source",
                "parameters": [
                    {"type": "string", "description": "Source ID", "name": "id", "in": "path", "required": true},
                    {"description": "Source descriptor", "name": "source", "in": "body", "required": true, "schema": {"$ref": "#/definitions/models.SourceDescriptor"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.UpdateResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["sources"],
                "summary": "Remove a source",
                "parameters": [{"type": "string", "description": "Source ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sources/{id}/start": {
            "post": {
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Start a source",
                "parameters": [{"type": "string", "description": "Source ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/sources.Status"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sources/{id}/stop": {
            "post": {
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Stop a source",
                "parameters": [{"type": "string", "description": "Source ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/sources.Status"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sources/{id}/restart": {
            "post": {
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Restart a source",
                "parameters": [{"type": "string", "description": "Source ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/sources.Status"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sources/{id}/slots": {
            "get": {
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Current tracked slots of a source",
                "parameters": [{"type": "string", "description": "Source ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.TrackedSlot"}}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Status of every source",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/sources.Status"}}}
                }
            }
        },
        "/reload": {
            "post": {
                "description": "With a JSON body the document is applied on top of the defaults; with an empty body the sources file is re-read",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["sources"],
                "summary": "Reload the sources configuration",
                "parameters": [
                    {"description": "Sources configuration", "name": "config", "in": "body", "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/sources.ReloadResult"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "501": {"description": "Not Implemented", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/metrics": {
            "get": {
                "produces": ["text/plain"],
                "tags": ["metrics"],
                "summary": "Prometheus metrics",
                "responses": {"200": {"description": "OK", "schema": {"type": "string"}}}
            }
        },
        "/metrics/snapshot": {
            "get": {
                "description": "Per-source and system metrics from the last collection tick. Pass ?source=cam1 for one source",
                "produces": ["application/json"],
                "tags": ["metrics"],
                "summary": "Metrics snapshot",
                "parameters": [{"type": "string", "description": "Source ID", "name": "source", "in": "query"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/events": {
            "get": {
                "description": "Upgrades to a websocket and streams worker events as JSON. Filter with ?source=cam1 and ?types=state,error",
                "tags": ["events"],
                "summary": "Stream events",
                "parameters": [
                    {"type": "string", "description": "Only events of this source", "name": "source", "in": "query"},
                    {"type": "string", "description": "Comma separated event types", "name": "types", "in": "query"}
                ],
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        },
        "/system/stats": {
            "get": {
                "description": "Go runtime statistics plus host usage from the last metrics snapshot",
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Get system stats",
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}}
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {"error": {"type": "string", "example": "source not found: cam1"}}
        },
        "handlers.CheckRequest": {
            "type": "object",
            "required": ["uri"],
            "properties": {
                "uri": {"type": "string", "example": "rtsp://10.0.0.12:554/stream1"},
                "timeout_ms": {"type": "integer", "example": 5000}
            }
        },
        "handlers.HealthResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "example": "healthy"},
                "worker_id": {"type": "string", "example": "worker-1"},
                "detector_healthy": {"type": "boolean"},
                "sources": {"type": "object", "additionalProperties": {"type": "integer"}}
            }
        },
        "handlers.WorkerInfoResponse": {
            "type": "object",
            "properties": {
                "worker_id": {"type": "string", "example": "worker-1"},
                "status": {"type": "string", "example": "running"},
                "version": {"type": "string", "example": "1.0.0"},
                "uptime_s": {"type": "number"},
                "capabilities": {"type": "array", "items": {"type": "string"}}
            }
        },
        "handlers.SourceResponse": {
            "type": "object",
            "properties": {
                "source": {"$ref": "#/definitions/models.SourceDescriptor"},
                "status": {"$ref": "#/definitions/sources.Status"}
            }
        },
        "handlers.UpdateResponse": {
            "type": "object",
            "properties": {
                "source": {"$ref": "#/definitions/models.SourceDescriptor"},
                "restarted": {"type": "boolean"}
            }
        },
        "models.SourceDescriptor": {
            "type": "object",
            "required": ["id", "uri"],
            "properties": {
                "id": {"type": "string", "example": "cam1"},
                "name": {"type": "string", "example": "Entrance"},
                "uri": {"type": "string", "example": "rtsp://10.0.0.12:554/stream1"},
                "enabled": {"type": "boolean"},
                "roi": {"type": "array", "items": {"type": "number"}},
                "classes": {"type": "array", "items": {"type": "string"}},
                "override": {"type": "object"}
            }
        },
        "models.TrackedSlot": {
            "type": "object"
        },
        "sources.Status": {
            "type": "object",
            "properties": {
                "source_id": {"type": "string"},
                "name": {"type": "string"},
                "uri": {"type": "string"},
                "enabled": {"type": "boolean"},
                "state": {"type": "string", "example": "running"},
                "last_error": {"type": "string"},
                "reconnect_attempts": {"type": "integer"},
                "reconnect_count": {"type": "integer"},
                "error_count": {"type": "integer"},
                "objects": {"type": "integer"},
                "run_id": {"type": "string"}
            }
        },
        "sources.ReloadResult": {
            "type": "object",
            "properties": {
                "added": {"type": "array", "items": {"type": "string"}},
                "removed": {"type": "array", "items": {"type": "string"}},
                "updated": {"type": "array", "items": {"type": "string"}},
                "restarted": {"type": "array", "items": {"type": "string"}},
                "stopped": {"type": "array", "items": {"type": "string"}}
            }
        },
        "streamcapture.ProbeResult": {
            "type": "object",
            "properties": {
                "uri": {"type": "string"},
                "reachable": {"type": "boolean"},
                "width": {"type": "integer"},
                "height": {"type": "integer"},
                "first_frame_ns": {"type": "integer"},
                "error": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "RexTrack Worker API",
	Description:      "Multi-camera stream ingestion, object tracking and OSC output worker",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
