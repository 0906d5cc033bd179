package config

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpanel/hostpanel/pkg/resources"
)

func TestSchemaRegistryDefinitions(t *testing.T) {
	sr, err := NewSchemaRegistry(nil)
	require.NoError(t, err)

	for _, kind := range sr.Kinds() {
		def, ok := sr.Definition(kind)
		require.True(t, ok, kind)
		assert.True(t, def.Exists(), kind)
	}

	_, ok := sr.Definition("mailbox")
	assert.False(t, ok)

	// Cached lookups return the same definition.
	first, _ := sr.Definition(resources.KindWebApp)
	second, _ := sr.Definition(resources.KindWebApp)
	assert.True(t, first.Equals(second))
}

func TestSchemaRegistryValidates(t *testing.T) {
	ctx := cuecontext.New()
	sr, err := NewSchemaRegistry(ctx)
	require.NoError(t, err)

	def, ok := sr.Definition(resources.KindWebApp)
	require.True(t, ok)

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", `{kind: "webapp", name: "blog", account: "acme", type: "php", php_version: "8.2-fpm", options: processes: 4}`, false},
		{"bad type", `{kind: "webapp", name: "blog", account: "acme", type: "ruby"}`, true},
		{"zero processes", `{kind: "webapp", name: "blog", account: "acme", type: "php", options: processes: 0}`, true},
		{"unknown field", `{kind: "webapp", name: "blog", account: "acme", type: "php", color: "red"}`, true},
		{"bad name", `{kind: "webapp", name: "Blog", account: "acme", type: "static"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := def.Unify(ctx.CompileString(tt.value))
			err := v.Validate(cue.Concrete(true))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
