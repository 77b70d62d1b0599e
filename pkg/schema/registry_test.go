package schema

import (
	"reflect"
	"testing"
)

type double struct {
	N int64 `cbor:"n"`
}

type doubled struct {
	N int64 `cbor:"n"`
}

type delay struct {
	Ms int64 `cbor:"ms"`
}

type otherDouble struct {
	N int64 `cbor:"n"`
}

type node struct {
	Value int64
	Next  *node
}

func build(t *testing.T, b *Builder) *Registry {
	t.Helper()
	r, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	return r
}

func TestBuilder_Lookup(t *testing.T) {
	b := NewBuilder()
	Message[double, doubled](b, "double")
	Callback[delay, delay](b, "delay")
	r := build(t, b)

	e, ok := r.Lookup("double")
	if !ok {
		t.Fatal("double not found")
	}
	if e.Request != reflect.TypeOf(double{}) || e.Reply != reflect.TypeOf(doubled{}) {
		t.Errorf("entry types = %v -> %v", e.Request, e.Reply)
	}
	if _, ok := r.Lookup("delay"); ok {
		t.Error("callback should not be found as message")
	}
	if _, ok := r.LookupCallback("delay"); !ok {
		t.Error("delay callback not found")
	}

	name, err := r.NameOf(reflect.TypeOf(double{}))
	if err != nil || name != "double" {
		t.Errorf("NameOf() = %q, %v", name, err)
	}
	if _, err := r.NameOf(reflect.TypeOf(delay{})); err == nil {
		t.Error("NameOf(unregistered) should fail")
	}
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Builder
	}{
		{"duplicate", func() *Builder {
			b := NewBuilder()
			Message[double, doubled](b, "double")
			return Message[double, doubled](b, "double")
		}},
		{"empty name", func() *Builder {
			return Message[double, doubled](NewBuilder(), "")
		}},
		{"no messages", func() *Builder {
			return Callback[delay, delay](NewBuilder(), "delay")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.build().Build(); err == nil {
				t.Error("Build() expected error")
			}
		})
	}
}

func TestNameOf_Ambiguous(t *testing.T) {
	r := build(t, NewBuilder().Dynamic("a", "b"))
	if _, err := r.NameOf(TypeOf[any]()); err == nil {
		t.Error("NameOf should fail when a type has several names")
	}
	if got := r.Messages(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Messages() = %v", got)
	}
}

func TestFingerprint(t *testing.T) {
	base := func() *Builder {
		b := NewBuilder()
		Message[double, doubled](b, "double")
		return b
	}

	a := build(t, base())
	b := build(t, base())
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical registrations should have equal fingerprints")
	}

	// Same shape under a different Go type name.
	same := NewBuilder()
	Message[otherDouble, doubled](same, "double")
	if build(t, same).Fingerprint() != a.Fingerprint() {
		t.Error("structurally identical types should have equal fingerprints")
	}

	extra := base()
	Callback[delay, delay](extra, "delay")
	if build(t, extra).Fingerprint() == a.Fingerprint() {
		t.Error("extra callback should change fingerprint")
	}

	renamed := NewBuilder()
	Message[double, doubled](renamed, "twice")
	if build(t, renamed).Fingerprint() == a.Fingerprint() {
		t.Error("renamed message should change fingerprint")
	}
}

func TestFingerprint_RecursiveType(t *testing.T) {
	b := NewBuilder()
	Message[node, node](b, "walk")
	r := build(t, b)
	if r.Fingerprint() == 0 {
		t.Error("fingerprint should be computed for recursive types")
	}
}
