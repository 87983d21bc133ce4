package specresolver

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/luma-run/proxyfleet/proxytype"
)

// TemplateResolver evaluates expression-bearing spec fields with
// text/template. No expression-language third-party package appears
// anywhere in the retrieval pack (checked against every example repo's
// go.mod and source), so text/template — the standard library's only
// general-purpose substitution engine — is used instead of inventing a
// dependency the corpus never shows. See DESIGN.md for the fuller
// justification this repo's rules require before falling back to stdlib.
type TemplateResolver struct{}

func NewTemplateResolver() *TemplateResolver {
	return &TemplateResolver{}
}

func (r *TemplateResolver) FirstResolve(ctx SpecExpressionContext) (proxytype.ProxySpec, error) {
	return r.resolve(ctx)
}

func (r *TemplateResolver) FinalResolve(ctx SpecExpressionContext) (proxytype.ProxySpec, error) {
	return r.resolve(ctx)
}

func (r *TemplateResolver) resolve(ctx SpecExpressionContext) (proxytype.ProxySpec, error) {
	resolved := ctx.Spec.Clone()

	data := templateData{
		UserID:        ctx.Proxy.UserID,
		ProxyID:       ctx.Proxy.ID,
		SpecID:        ctx.Spec.ID,
		AuthPrincipal: ctx.AuthPrincipal,
		values:        ctx.Proxy.RuntimeValues,
	}

	for i, cs := range resolved.ContainerSpecs {
		image, err := evaluate(cs.Image, data)
		if err != nil {
			return proxytype.ProxySpec{}, fmt.Errorf("resolve image on container %d of spec %s: %w", i, ctx.Spec.ID, err)
		}
		resolved.ContainerSpecs[i].Image = image

		for k, v := range cs.Env {
			out, err := evaluate(v, data)
			if err != nil {
				return proxytype.ProxySpec{}, fmt.Errorf("resolve env %s on container %d of spec %s: %w", k, i, ctx.Spec.ID, err)
			}
			resolved.ContainerSpecs[i].Env[k] = out
		}
	}
	out, err := evaluate(resolved.DisplayName, data)
	if err != nil {
		return proxytype.ProxySpec{}, fmt.Errorf("resolve display name of spec %s: %w", ctx.Spec.ID, err)
	}
	resolved.DisplayName = out

	return resolved, nil
}

type templateData struct {
	UserID        string
	ProxyID       string
	SpecID        string
	AuthPrincipal string
	values        proxytype.RuntimeValues
}

// RuntimeValue is exposed to templates as {{.RuntimeValue "key"}}.
func (d templateData) RuntimeValue(key string) string {
	rv, ok := d.values[key]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", rv.Value)
}

func evaluate(text string, data templateData) (string, error) {
	if text == "" {
		return text, nil
	}
	tmpl, err := template.New("spec-expr").Parse(text)
	if err != nil {
		// Not every field is expression-bearing; a plain string that
		// happens to contain "{{" without valid template syntax is a
		// configuration error worth surfacing rather than silently
		// passing through.
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
