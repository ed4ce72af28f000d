package openapi

import (
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
)

func TestBuildMergesPathsUnderBasePath(t *testing.T) {
	agg := New(&openapi3.Info{Title: "morrigan", Version: "test"})
	agg.Add("identity", "/api/identity", Fragment{
		"paths": map[string]interface{}{
			"/": map[string]interface{}{
				"post": map[string]interface{}{"description": "authenticate"},
			},
		},
	})

	doc := agg.Build()
	item := doc.Paths.Find("/api/identity/")
	if item == nil {
		t.Fatal("expected /api/identity/ to be present")
	}
	if item.Post == nil {
		t.Fatal("expected POST operation to be merged")
	}
	if item.Post.Description != "authenticate" {
		t.Errorf("description: got %q", item.Post.Description)
	}
}

func TestBuildFallsBackToUndocumentedStub(t *testing.T) {
	agg := New(&openapi3.Info{Title: "morrigan", Version: "test"})
	agg.Add("agent", "/api/agent", Fragment{
		"paths": map[string]interface{}{
			"/": map[string]interface{}{
				"get": nil,
			},
		},
	})

	doc := agg.Build()
	item := doc.Paths.Find("/api/agent/")
	if item == nil || item.Get == nil {
		t.Fatal("expected a GET operation with the undocumented stub")
	}
	if item.Get.Description != "undocumented" {
		t.Errorf("description: got %q, want undocumented", item.Get.Description)
	}
}

func TestBuildMergesComponentSchemas(t *testing.T) {
	agg := New(&openapi3.Info{Title: "morrigan", Version: "test"})
	agg.Add("identity", "/api/identity", Fragment{
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Identity": map[string]interface{}{"type": "object"},
			},
		},
	})
	agg.Add("agent", "/api/agent", Fragment{
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Agent": map[string]interface{}{"type": "object"},
			},
		},
	})

	doc := agg.Build()
	if _, ok := doc.Components.Schemas["Identity"]; !ok {
		t.Error("expected Identity schema to be merged")
	}
	if _, ok := doc.Components.Schemas["Agent"]; !ok {
		t.Error("expected Agent schema to be merged")
	}
}
