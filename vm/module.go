package svm

import "sync"

// Module is a top-level binding table. Global references compile to
// identifiers; the first execution of a global-reference instruction
// resolves the identifier to a gloc cell and memoizes it in the code
// object's constant pool, so later executions are a single load.
type Module struct {
	Name *Symbol

	mu    sync.Mutex
	table map[*Symbol]*GLOC
}

func NewModule(name *Symbol) *Module {
	return &Module{Name: name, table: map[*Symbol]*GLOC{}}
}

// Identifier is an unresolved global reference: a name plus the module
// it should be looked up in.
type Identifier struct {
	Name   *Symbol
	Module *Module
}

// GLOC is a global location cell. Value may be Unbound, or an *Autoload
// marker that is resolved on first reference.
type GLOC struct {
	Name   *Symbol
	Module *Module
	Value  Value
}

// Autoload defers a binding's definition until it is first referenced.
// Loader returns the real value, which resolveAutoload stores in the
// gloc.
type Autoload struct {
	Name   *Symbol
	Loader func(vm *VM) Value
}

// FindBinding looks name up in module. Returns nil if the name has
// never been defined there.
func (m *Module) FindBinding(name *Symbol) *GLOC {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table[name]
}

// Define binds name to v in module, creating the gloc if needed.
func (m *Module) Define(name *Symbol, v Value) *GLOC {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.table[name]
	if !ok {
		g = &GLOC{Name: name, Module: m, Value: v}
		m.table[name] = g
	} else {
		g.Value = v
	}
	return g
}

// DefineSubr is a registration shorthand used while populating the base
// module.
func (m *Module) DefineSubr(name string, required int, optional bool, fn SubrFn) *GLOC {
	return m.Define(Intern(name), MakeSubr(fn, nil, required, optional, name))
}

// resolveAutoload triggers the loader and replaces the marker. The gloc
// keeps the marker if the loader comes back with Unbound so that the
// failure is reported as an unbound variable.
func resolveAutoload(vm *VM, g *GLOC, a *Autoload) Value {
	v := a.Loader(vm)
	if v != Value(Unbound) {
		g.Value = v
	}
	return v
}
