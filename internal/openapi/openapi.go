// Package openapi aggregates per-component OpenAPI fragments into one
// document, built on getkin/kin-openapi's openapi3.T.
package openapi

import (
	"encoding/json"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

var mergeableComponentKeys = []string{
	"schemas", "responses", "parameters", "examples",
	"requestBodies", "headers", "securitySchemes", "links", "callbacks",
}

// Fragment is a raw, untyped per-component OpenAPI contribution, expressed
// as the component author would write it (a subset of an OpenAPI 3.0
// document): optional `paths`, `components`, `security`, `tags` keys.
type Fragment = map[string]interface{}

// Aggregator merges component fragments mounted under /api/<name> into a
// single openapi3.T, in alphabetical order of component name.
type Aggregator struct {
	info  *openapi3.Info
	names []string
	byName map[string]Fragment
}

// New creates an Aggregator carrying the document's top-level info block.
func New(info *openapi3.Info) *Aggregator {
	return &Aggregator{info: info, byName: make(map[string]Fragment)}
}

// Add records name's fragment, mounted under basePath (e.g. "/api/identity").
func (a *Aggregator) Add(name, basePath string, fragment Fragment) {
	if _, exists := a.byName[name]; !exists {
		a.names = append(a.names, name)
	}
	a.byName[name] = withBasePath(fragment, basePath)
}

func withBasePath(fragment Fragment, basePath string) Fragment {
	paths, ok := fragment["paths"].(map[string]interface{})
	if !ok {
		return fragment
	}
	prefixed := make(map[string]interface{}, len(paths))
	for p, v := range paths {
		prefixed[basePath+p] = v
	}
	out := make(Fragment, len(fragment))
	for k, v := range fragment {
		out[k] = v
	}
	out["paths"] = prefixed
	return out
}

// Build merges every added fragment into a single document, in
// alphabetical order of component name so "last writer wins" collisions
// are deterministic.
func (a *Aggregator) Build() *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info:    a.info,
		Paths:   openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas:         make(openapi3.Schemas),
			Responses:       make(openapi3.ResponseBodies),
			Parameters:      make(openapi3.ParametersMap),
			Examples:        make(openapi3.Examples),
			RequestBodies:   make(openapi3.RequestBodies),
			Headers:         make(openapi3.Headers),
			SecuritySchemes: make(openapi3.SecuritySchemes),
			Links:           make(openapi3.Links),
			Callbacks:       make(openapi3.Callbacks),
		},
	}

	names := append([]string(nil), a.names...)
	sort.Strings(names)

	var security []interface{}
	var tags []interface{}

	for _, name := range names {
		fragment := a.byName[name]
		mergeComponents(doc.Components, fragment["components"])
		if sec, ok := fragment["security"].([]interface{}); ok {
			security = append(security, sec...)
		}
		if tg, ok := fragment["tags"].([]interface{}); ok {
			tags = append(tags, tg...)
		}
		mergePaths(doc.Paths, fragment["paths"])
	}

	doc.Extensions = map[string]interface{}{}
	if len(security) > 0 {
		doc.Extensions["x-security"] = security
	}
	if len(tags) > 0 {
		doc.Extensions["x-tags"] = tags
	}
	return doc
}

// mergeComponents shallow-merges each recognized subkey of a fragment's
// `components` object into dst. Fragment values are plain
// map[string]interface{} (as a component author would write inline JSON);
// each entry round-trips through JSON into the matching kin-openapi Ref
// type, then overwrites dst's entry on collision (last writer wins).
func mergeComponents(dst *openapi3.Components, raw interface{}) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return
	}
	for _, key := range mergeableComponentKeys {
		sub, ok := m[key].(map[string]interface{})
		if !ok {
			continue
		}
		for name, value := range sub {
			b, err := json.Marshal(value)
			if err != nil {
				continue
			}
			switch key {
			case "schemas":
				var ref openapi3.SchemaRef
				if json.Unmarshal(b, &ref) == nil {
					dst.Schemas[name] = &ref
				}
			case "responses":
				var ref openapi3.ResponseRef
				if json.Unmarshal(b, &ref) == nil {
					dst.Responses[name] = &ref
				}
			case "parameters":
				var ref openapi3.ParameterRef
				if json.Unmarshal(b, &ref) == nil {
					dst.Parameters[name] = &ref
				}
			case "examples":
				var ref openapi3.ExampleRef
				if json.Unmarshal(b, &ref) == nil {
					dst.Examples[name] = &ref
				}
			case "requestBodies":
				var ref openapi3.RequestBodyRef
				if json.Unmarshal(b, &ref) == nil {
					dst.RequestBodies[name] = &ref
				}
			case "headers":
				var ref openapi3.HeaderRef
				if json.Unmarshal(b, &ref) == nil {
					dst.Headers[name] = &ref
				}
			case "securitySchemes":
				var ref openapi3.SecuritySchemeRef
				if json.Unmarshal(b, &ref) == nil {
					dst.SecuritySchemes[name] = &ref
				}
			case "links":
				var ref openapi3.LinkRef
				if json.Unmarshal(b, &ref) == nil {
					dst.Links[name] = &ref
				}
			case "callbacks":
				var ref openapi3.CallbackRef
				if json.Unmarshal(b, &ref) == nil {
					dst.Callbacks[name] = &ref
				}
			}
		}
	}
}

func mergePaths(dst *openapi3.Paths, raw interface{}) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, path := range keys {
		methods, ok := m[path].(map[string]interface{})
		item := dst.Find(path)
		if item == nil {
			item = &openapi3.PathItem{}
		}
		if !ok {
			setOperation(item, "get", undocumentedOperation())
		} else {
			methodKeys := make([]string, 0, len(methods))
			for mk := range methods {
				methodKeys = append(methodKeys, mk)
			}
			sort.Strings(methodKeys)
			for _, method := range methodKeys {
				setOperation(item, method, operationFor(methods[method]))
			}
		}
		dst.Set(path, item)
	}
}

// operationFor decodes a handler-declared openapi[method] entry, falling
// back to the "undocumented" stub when absent or unparseable.
func operationFor(raw interface{}) *openapi3.Operation {
	if raw == nil {
		return undocumentedOperation()
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return undocumentedOperation()
	}
	var op openapi3.Operation
	if err := json.Unmarshal(b, &op); err != nil {
		return undocumentedOperation()
	}
	if op.Responses == nil {
		op.Responses = openapi3.NewResponses()
	}
	return &op
}

func undocumentedOperation() *openapi3.Operation {
	return &openapi3.Operation{
		Description: "undocumented",
		Responses:   openapi3.NewResponses(),
	}
}

func setOperation(item *openapi3.PathItem, method string, op *openapi3.Operation) {
	switch method {
	case "get":
		item.Get = op
	case "post":
		item.Post = op
	case "put":
		item.Put = op
	case "delete":
		item.Delete = op
	case "patch":
		item.Patch = op
	case "options":
		item.Options = op
	case "head":
		item.Head = op
	}
}
