package registry

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/open-sspm/open-connect/internal/connectors/schema"
)

func bundle(name string) Bundle {
	return Bundle{Definition: schema.Definition{Name: name}}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		names   []string
		wantErr error
	}{
		{name: "ok", names: []string{"github", "google-drive"}},
		{name: "duplicate", names: []string{"github", "GitHub "}, wantErr: ErrDuplicate},
		{name: "empty", names: []string{" "}, wantErr: ErrInvalidName},
		{name: "underscore", names: []string{"google_drive"}, wantErr: ErrInvalidName},
		{name: "leading dash", names: []string{"-x"}, wantErr: ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewRegistry()
			var err error
			for _, n := range tt.names {
				if err = r.Register(bundle(n)); err != nil {
					break
				}
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Register() err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSealRejectsRegistration(t *testing.T) {
	t.Parallel()

	r := NewRegistry().MustRegister(bundle("github")).Seal()
	if err := r.Register(bundle("okta")); !errors.Is(err, ErrSealed) {
		t.Fatalf("Register() err = %v, want ErrSealed", err)
	}
	if _, ok := r.Get("okta"); ok {
		t.Fatal("Get(okta) found a bundle registered after Seal")
	}
}

func TestGetNormalizesName(t *testing.T) {
	t.Parallel()

	r := NewRegistry().MustRegister(bundle("github"), bundle("okta")).Seal()
	b, ok := r.Get(" GitHub ")
	if !ok || b.Name() != "github" {
		t.Fatalf("Get() = %q, %v", b.Name(), ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get(missing) ok = true")
	}
	if got := r.Names(); !slices.Equal(got, []string{"github", "okta"}) {
		t.Fatalf("Names() = %v", got)
	}
	if got := len(r.All()); got != 2 {
		t.Fatalf("len(All()) = %d, want 2", got)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	b := bundle("x")
	if len(b.Capabilities()) != 0 {
		t.Fatalf("Capabilities() = %v, want none", b.Capabilities())
	}
	b.CheckConnection = func(context.Context, ConnectionInput) (schema.ConnectionUpdate, error) {
		return schema.ConnectionUpdate{}, nil
	}
	b.RevokeConnection = func(context.Context, ConnectionInput) error { return nil }

	if !b.Has(CapCheckConnection) || !b.Has(CapRevokeConnection) {
		t.Fatal("Has() missed a present capability")
	}
	if b.Has(CapRefreshConnection) || b.Has(Capability("bogus")) {
		t.Fatal("Has() reported an absent capability")
	}
	want := []Capability{CapCheckConnection, CapRevokeConnection}
	if got := b.Capabilities(); !slices.Equal(got, want) {
		t.Fatalf("Capabilities() = %v, want %v", got, want)
	}
}

func TestInstanceWithoutConstructor(t *testing.T) {
	t.Parallel()

	inst, err := bundle("x").Instance(context.Background(), InstanceInput{})
	if err != nil || inst != nil {
		t.Fatalf("Instance() = %v, %v; want nil, nil", inst, err)
	}
}
