package identityplugin

import "testing"

func TestOpenAPIDeclaresIdentitySchema(t *testing.T) {
	p := New()
	frag := p.OpenAPI()
	components, ok := frag["components"].(map[string]interface{})
	if !ok {
		t.Fatal("expected a components object")
	}
	schemas, ok := components["schemas"].(map[string]interface{})
	if !ok {
		t.Fatal("expected a schemas object")
	}
	if _, ok := schemas["Identity"]; !ok {
		t.Error("expected an Identity schema")
	}
}

func TestNameIsIdentity(t *testing.T) {
	if (&Plugin{}).Name() != "identity" {
		t.Errorf("Name: got %q, want identity", (&Plugin{}).Name())
	}
}
