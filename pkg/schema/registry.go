// Package schema holds the explicit table of message types a pool speaks.
//
// Every message a supervisor may send is registered under a name together
// with its request and reply types; every callback a worker may raise is
// registered the same way. The supervisor and each worker build the same
// table, and the handshake compares their fingerprints:
//
//	b := schema.NewBuilder()
//	schema.Message[Double, Doubled](b, "double")
//	schema.Callback[Delay, Delayed](b, "delay")
//	reg, err := b.Build()
package schema

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"
)

// Entry describes one registered message or callback type.
type Entry struct {
	Name    string
	Request reflect.Type
	Reply   reflect.Type
}

// Registry is an immutable lookup table built by a Builder.
type Registry struct {
	messages    map[string]Entry
	callbacks   map[string]Entry
	byType      map[reflect.Type][]string
	fingerprint uint64
}

// Builder collects registrations. The zero value is not usable; call
// NewBuilder.
type Builder struct {
	messages  map[string]Entry
	callbacks map[string]Entry
	err       error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		messages:  make(map[string]Entry),
		callbacks: make(map[string]Entry),
	}
}

// Message registers request type M answered by R under name.
func Message[M, R any](b *Builder, name string) *Builder {
	return b.add(b.messages, "message", name, typeOf[M](), typeOf[R]())
}

// Callback registers callback payload C answered by R under name.
func Callback[C, R any](b *Builder, name string) *Builder {
	return b.add(b.callbacks, "callback", name, typeOf[C](), typeOf[R]())
}

// Dynamic registers untyped messages under each name. Bodies are decoded
// into plain maps, slices and scalars.
func (b *Builder) Dynamic(names ...string) *Builder {
	for _, n := range names {
		Message[any, any](b, n)
	}
	return b
}

// DynamicCallbacks registers untyped callbacks under each name.
func (b *Builder) DynamicCallbacks(names ...string) *Builder {
	for _, n := range names {
		Callback[any, any](b, n)
	}
	return b
}

func (b *Builder) add(dst map[string]Entry, what, name string, req, rep reflect.Type) *Builder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = fmt.Errorf("schema: %s name is empty", what)
		return b
	}
	if _, dup := dst[name]; dup {
		b.err = fmt.Errorf("schema: %s %q registered twice", what, name)
		return b
	}
	dst[name] = Entry{Name: name, Request: req, Reply: rep}
	return b
}

// Build validates the registrations and returns the registry.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.messages) == 0 {
		return nil, fmt.Errorf("schema: no message types registered")
	}

	r := &Registry{
		messages:  make(map[string]Entry, len(b.messages)),
		callbacks: make(map[string]Entry, len(b.callbacks)),
		byType:    make(map[reflect.Type][]string),
	}
	for name, e := range b.messages {
		r.messages[name] = e
		r.byType[e.Request] = append(r.byType[e.Request], name)
	}
	for name, e := range b.callbacks {
		r.callbacks[name] = e
	}
	for t := range r.byType {
		sort.Strings(r.byType[t])
	}
	r.fingerprint = fingerprint(r.messages, r.callbacks)
	return r, nil
}

// Lookup returns the message entry registered under name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.messages[name]
	return e, ok
}

// LookupCallback returns the callback entry registered under name.
func (r *Registry) LookupCallback(name string) (Entry, bool) {
	e, ok := r.callbacks[name]
	return e, ok
}

// NameOf resolves the message name registered for request type t.
// It fails if t is unregistered or registered under several names.
func (r *Registry) NameOf(t reflect.Type) (string, error) {
	names := r.byType[t]
	switch len(names) {
	case 0:
		return "", fmt.Errorf("schema: type %s is not registered", t)
	case 1:
		return names[0], nil
	default:
		return "", fmt.Errorf("schema: type %s is registered as %s", t, strings.Join(names, ", "))
	}
}

// Messages returns the registered message names in sorted order.
func (r *Registry) Messages() []string {
	return sortedKeys(r.messages)
}

// Callbacks returns the registered callback names in sorted order.
func (r *Registry) Callbacks() []string {
	return sortedKeys(r.callbacks)
}

// Fingerprint identifies the registered types. Two registries built from
// structurally identical registrations have the same fingerprint.
func (r *Registry) Fingerprint() uint64 {
	return r.fingerprint
}

// TypeOf returns the reflect.Type for T, including interface types.
func TypeOf[T any]() reflect.Type {
	return typeOf[T]()
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func sortedKeys(m map[string]Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fingerprint(messages, callbacks map[string]Entry) uint64 {
	h := fnv.New64a()
	for _, name := range sortedKeys(messages) {
		e := messages[name]
		fmt.Fprintf(h, "m:%s=%s->%s;", name, describe(e.Request, nil), describe(e.Reply, nil))
	}
	for _, name := range sortedKeys(callbacks) {
		e := callbacks[name]
		fmt.Fprintf(h, "c:%s=%s->%s;", name, describe(e.Request, nil), describe(e.Reply, nil))
	}
	return h.Sum64()
}

// describe renders the structure of t without package paths, so two
// binaries declaring the same shapes agree.
func describe(t reflect.Type, seen map[reflect.Type]bool) string {
	if seen[t] {
		return "@" + t.Name()
	}
	switch t.Kind() {
	case reflect.Pointer:
		return "*" + describe(t.Elem(), seen)
	case reflect.Slice:
		return "[]" + describe(t.Elem(), seen)
	case reflect.Array:
		return fmt.Sprintf("[%d]%s", t.Len(), describe(t.Elem(), seen))
	case reflect.Map:
		return "map[" + describe(t.Key(), seen) + "]" + describe(t.Elem(), seen)
	case reflect.Interface:
		return "any"
	case reflect.Struct:
		if seen == nil {
			seen = make(map[reflect.Type]bool)
		}
		seen[t] = true
		var sb strings.Builder
		sb.WriteString("{")
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fmt.Fprintf(&sb, "%s %s %q;", f.Name, describe(f.Type, seen), f.Tag.Get("cbor"))
		}
		sb.WriteString("}")
		delete(seen, t)
		return sb.String()
	default:
		return t.Kind().String()
	}
}
