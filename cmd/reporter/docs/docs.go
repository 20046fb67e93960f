// Package docs holds the OpenAPI description of the reporter API served at
// /swagger/index.html.
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
        "/reports/events": {
            "get": {
                "description": "Counts events by type and by source, optionally filtered",
                "produces": ["application/json"],
                "tags": ["reports"],
                "summary": "Event totals",
                "parameters": [
                    {"type": "string", "description": "ISO-8601 lower bound", "name": "from", "in": "query"},
                    {"type": "string", "description": "ISO-8601 upper bound", "name": "to", "in": "query"},
                    {"type": "string", "description": "facebook or tiktok", "name": "source", "in": "query"},
                    {"type": "string", "description": "top or bottom", "name": "funnelStage", "in": "query"},
                    {"type": "string", "description": "Event type", "name": "eventType", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/reports.EventsReport"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": true}},
                    "500": {"description": "Internal Server Error", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/reports/revenue": {
            "get": {
                "description": "Sums purchase amounts of checkout.complete and purchase events",
                "produces": ["application/json"],
                "tags": ["reports"],
                "summary": "Revenue",
                "parameters": [
                    {"type": "string", "description": "ISO-8601 lower bound", "name": "from", "in": "query", "required": true},
                    {"type": "string", "description": "ISO-8601 upper bound", "name": "to", "in": "query", "required": true},
                    {"type": "string", "description": "facebook or tiktok", "name": "source", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/reports.RevenueReport"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/reports/demographics": {
            "get": {
                "description": "Facebook: users by gender, age, country and city. TikTok: follower statistics.",
                "produces": ["application/json"],
                "tags": ["reports"],
                "summary": "Audience demographics",
                "parameters": [
                    {"type": "string", "description": "ISO-8601 lower bound", "name": "from", "in": "query", "required": true},
                    {"type": "string", "description": "ISO-8601 upper bound", "name": "to", "in": "query", "required": true},
                    {"type": "string", "description": "facebook or tiktok", "name": "source", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/reports.DemographicsReport"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        }
    },
    "definitions": {
        "reports.EventsReport": {
            "type": "object",
            "properties": {
                "totalEvents": {"type": "integer"},
                "byEventType": {"type": "object", "additionalProperties": {"type": "integer"}},
                "bySource": {"type": "object", "additionalProperties": {"type": "integer"}}
            }
        },
        "reports.RevenueReport": {
            "type": "object",
            "properties": {
                "totalRevenue": {"type": "number"}
            }
        },
        "reports.DemographicsReport": {
            "type": "object",
            "properties": {
                "source": {"type": "string"},
                "totalUsers": {"type": "integer"},
                "byGender": {"type": "object", "additionalProperties": {"type": "integer"}},
                "byAge": {"type": "object", "additionalProperties": {"type": "integer"}},
                "byCountry": {"type": "object", "additionalProperties": {"type": "integer"}},
                "byCity": {"type": "object", "additionalProperties": {"type": "integer"}},
                "avgFollowers": {"type": "number"},
                "minFollowers": {"type": "number"},
                "maxFollowers": {"type": "number"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:3000",
	BasePath:         "/",
	Schemes:          []string{"http", "https"},
	Title:            "Eventgate Reporter API",
	Description:      "Aggregate reports over collected Facebook and TikTok events",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
