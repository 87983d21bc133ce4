package specresolver

import (
	"testing"

	"github.com/luma-run/proxyfleet/proxytype"
)

func TestResolve_EvaluatesImageDisplayNameAndEnv(t *testing.T) {
	r := NewTemplateResolver()

	spec := proxytype.ProxySpec{
		ID:          "web",
		DisplayName: "web for {{.UserID}}",
		ContainerSpecs: []proxytype.ContainerSpec{
			{
				Image: "example/web:{{.RuntimeValue \"tag\"}}",
				Env:   map[string]string{"USER": "{{.UserID}}"},
			},
		},
	}
	proxy := proxytype.Proxy{
		ID:     "p1",
		UserID: "alice",
		RuntimeValues: proxytype.RuntimeValues{
			"tag": {Key: proxytype.RuntimeValueKey{Key: "tag"}, Value: "v2"},
		},
	}

	resolved, err := r.FirstResolve(SpecExpressionContext{Proxy: proxy, Spec: spec})
	if err != nil {
		t.Fatalf("FirstResolve: %v", err)
	}

	if resolved.DisplayName != "web for alice" {
		t.Fatalf("unexpected display name: %s", resolved.DisplayName)
	}
	if resolved.ContainerSpecs[0].Image != "example/web:v2" {
		t.Fatalf("unexpected image, expected templated tag to resolve: %s", resolved.ContainerSpecs[0].Image)
	}
	if resolved.ContainerSpecs[0].Env["USER"] != "alice" {
		t.Fatalf("unexpected env value: %s", resolved.ContainerSpecs[0].Env["USER"])
	}

	if spec.ContainerSpecs[0].Image != "example/web:{{.RuntimeValue \"tag\"}}" {
		t.Fatalf("resolve must not mutate the registered spec's image")
	}
}

func TestResolve_LiteralImageIsUnchanged(t *testing.T) {
	r := NewTemplateResolver()
	spec := proxytype.ProxySpec{
		ID:             "web",
		ContainerSpecs: []proxytype.ContainerSpec{{Image: "example/web:latest"}},
	}

	resolved, err := r.FinalResolve(SpecExpressionContext{Spec: spec})
	if err != nil {
		t.Fatalf("FinalResolve: %v", err)
	}
	if resolved.ContainerSpecs[0].Image != "example/web:latest" {
		t.Fatalf("literal image must pass through unchanged, got %s", resolved.ContainerSpecs[0].Image)
	}
}
