package handlers

import (
	"encoding/json"
	"net/http"
)

type object = map[string]interface{}

func queryParam(name, description string, schema object) object {
	return object{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func selectionParams() []object {
	return []object{
		queryParam("cities", "Comma-separated cities. Absent selects all, blank selects none", object{"type": "string"}),
		queryParam("parameters", "Comma-separated pollutants. Absent selects all, blank selects none", object{"type": "string"}),
		queryParam("start_date", "Inclusive start date (YYYY-MM-DD), defaults to the first dataset date", object{"type": "string", "format": "date"}),
		queryParam("end_date", "Inclusive end date (YYYY-MM-DD), defaults to the last dataset date", object{"type": "string", "format": "date"}),
	}
}

func jsonResponse(description string, schema object) object {
	return object{
		"description": description,
		"content": object{
			"application/json": object{"schema": schema},
		},
	}
}

func errorResponse(description string) object {
	return jsonResponse(description, object{"$ref": "#/components/schemas/Error"})
}

func dataOf(items object) object {
	return object{
		"type": "object",
		"properties": object{
			"data": object{"type": "array", "items": items},
		},
	}
}

// OpenAPISpec returns the OpenAPI 3.0 description of the query API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	nullableNumber := object{"type": "number", "nullable": true}

	spec := object{
		"openapi": "3.0.0",
		"info": object{
			"title":       "Air Quality Platform API",
			"description": "Aggregate views over the cleaned air-quality dataset",
			"version":     "1.0.0",
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": object{
			"/api/measurements": object{
				"get": object{
					"summary": "List cleaned measurements",
					"parameters": append(selectionParams(),
						queryParam("page", "Page number (default: 1)", object{"type": "integer", "default": 1}),
						queryParam("limit", "Records per page (default: 100, max: 1000)", object{"type": "integer", "default": 100}),
					),
					"responses": object{
						"200": jsonResponse("Paginated measurements", object{
							"type": "object",
							"properties": object{
								"data":        object{"type": "array", "items": object{"$ref": "#/components/schemas/Measurement"}},
								"total":       object{"type": "integer"},
								"page":        object{"type": "integer"},
								"limit":       object{"type": "integer"},
								"total_pages": object{"type": "integer"},
							},
						}),
						"400": errorResponse("Invalid date parameter"),
						"503": errorResponse("No dataset loaded"),
					},
				},
			},
			"/api/measurements/mean": object{
				"get": object{
					"summary":    "Mean value of the selection",
					"parameters": selectionParams(),
					"responses": object{
						"200": jsonResponse("Mean is null when no values are selected", object{
							"type": "object",
							"properties": object{
								"mean":  nullableNumber,
								"count": object{"type": "integer"},
							},
						}),
						"503": errorResponse("No dataset loaded"),
					},
				},
			},
			"/api/measurements/dominant": object{
				"get": object{
					"summary": "Group with the highest mean value",
					"parameters": append(selectionParams(),
						queryParam("by", "Grouping column", object{
							"type":    "string",
							"enum":    []string{"city", "country", "parameter", "unit", "season"},
							"default": "city",
						}),
					),
					"responses": object{
						"200": jsonResponse("Dominant group; ties resolve to the lexically smallest label", object{
							"$ref": "#/components/schemas/GroupMean",
						}),
						"400": errorResponse("Unsupported grouping column"),
						"404": errorResponse("No records match the selection"),
						"503": errorResponse("No dataset loaded"),
					},
				},
			},
			"/api/measurements/groups": object{
				"get": object{
					"summary":    "Mean value per city and pollutant",
					"parameters": selectionParams(),
					"responses": object{
						"200": jsonResponse("Comparison rows sorted by city then parameter", dataOf(object{
							"type": "object",
							"properties": object{
								"city":      object{"type": "string"},
								"parameter": object{"type": "string"},
								"mean":      nullableNumber,
								"count":     object{"type": "integer"},
							},
						})),
						"503": errorResponse("No dataset loaded"),
					},
				},
			},
			"/api/measurements/statistics": object{
				"get": object{
					"summary":    "Descriptive statistics per city and pollutant",
					"parameters": selectionParams(),
					"responses": object{
						"200": jsonResponse("Count, mean, sample std, min and max", dataOf(object{
							"type": "object",
							"properties": object{
								"city":      object{"type": "string"},
								"parameter": object{"type": "string"},
								"count":     object{"type": "integer"},
								"mean":      nullableNumber,
								"std":       nullableNumber,
								"min":       nullableNumber,
								"max":       nullableNumber,
							},
						})),
						"503": errorResponse("No dataset loaded"),
					},
				},
			},
			"/api/dataset": object{
				"get": object{
					"summary": "Describe the loaded dataset",
					"responses": object{
						"200": jsonResponse("Dataset version, size and domain", object{"type": "object"}),
						"503": errorResponse("No dataset loaded"),
					},
				},
			},
			"/health": object{
				"get": object{
					"summary": "Health check",
					"responses": object{
						"200": jsonResponse("A dataset is loaded", object{"type": "object"}),
						"503": jsonResponse("No dataset loaded yet", object{"type": "object"}),
					},
				},
			},
			"/metrics": object{
				"get": object{
					"summary": "Prometheus metrics",
					"responses": object{
						"200": object{
							"description": "Prometheus metrics in text format",
							"content": object{
								"text/plain": object{"schema": object{"type": "string"}},
							},
						},
					},
				},
			},
		},
		"components": object{
			"schemas": object{
				"Measurement": object{
					"type": "object",
					"properties": object{
						"date":      object{"type": "string", "format": "date-time"},
						"city":      object{"type": "string"},
						"country":   object{"type": "string"},
						"parameter": object{"type": "string"},
						"value":     object{"type": "number"},
						"unit":      object{"type": "string"},
						"latitude":  object{"type": "number"},
						"longitude": object{"type": "number"},
						"features": object{
							"type": "object",
							"properties": object{
								"year":        object{"type": "integer"},
								"month":       object{"type": "integer"},
								"day_of_week": object{"type": "integer", "description": "Monday is 0"},
								"is_weekend":  object{"type": "boolean"},
								"season":      object{"type": "string"},
							},
						},
					},
				},
				"GroupMean": object{
					"type": "object",
					"properties": object{
						"label": object{"type": "string"},
						"mean":  object{"type": "number"},
						"count": object{"type": "integer"},
					},
				},
				"Error": object{
					"type": "object",
					"properties": object{
						"error":   object{"type": "string"},
						"message": object{"type": "string"},
						"code":    object{"type": "integer"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
