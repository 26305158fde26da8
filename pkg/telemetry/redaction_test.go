package telemetry

import (
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/bey-transport/pkg/policy"
)

func TestPolicyAttributesRedactSensitiveFields(t *testing.T) {
	pc := policy.NewContext("bey-device-1", "10.0.0.9:7000", "connect").
		With("role", "admin").
		With("auth_token", "s3cr3t-value").
		With("hops", float64(2)).
		With("trusted", true).
		With("labels", map[string]any{"zone": "lab"}).
		WithTags("lan")

	attrs := attribute.NewSet(PolicyAttributes(pc)...)

	if value, ok := attrs.Value("policy.resource"); !ok || value.AsString() != "10.0.0.9:7000" {
		t.Fatalf("unexpected resource %v", value)
	}
	if value, ok := attrs.Value("policy.field.role"); !ok || value.AsString() != "admin" {
		t.Fatalf("unexpected role %v", value)
	}
	if value, ok := attrs.Value("policy.field.hops"); !ok || value.AsFloat64() != 2 {
		t.Fatalf("unexpected hops %v", value)
	}
	if value, ok := attrs.Value("policy.field.trusted"); !ok || !value.AsBool() {
		t.Fatalf("unexpected trusted %v", value)
	}
	if _, ok := attrs.Value("policy.field.labels"); ok {
		t.Fatalf("structured fields must not be exported")
	}

	token, ok := attrs.Value("policy.field.auth_token")
	if !ok {
		t.Fatalf("sensitive field should be exported as a hash")
	}
	if strings.Contains(token.AsString(), "s3cr3t") || !strings.HasPrefix(token.AsString(), "[REDACTED:hash:") {
		t.Fatalf("sensitive value leaked: %q", token.AsString())
	}

	again := attribute.NewSet(PolicyAttributes(pc)...)
	if v, _ := again.Value("policy.field.auth_token"); v.AsString() != token.AsString() {
		t.Fatalf("hash must be deterministic for correlation")
	}
}

func TestHashValueEmpty(t *testing.T) {
	if got := hashValue(""); got != "[REDACTED:empty]" {
		t.Fatalf("unexpected %q", got)
	}
}
