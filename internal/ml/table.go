package ml

import "sort"

// Table is an immutable set of loaded models keyed by name. Reloads build a
// new Table and swap it in; readers never see a partially updated table.
type Table struct {
	models map[string]Model
}

func NewTable(ms map[string]Model) *Table {
	cp := make(map[string]Model, len(ms))
	for k, v := range ms {
		cp[k] = v
	}
	return &Table{models: cp}
}

func (t *Table) Get(name string) (Model, bool) {
	m, ok := t.models[name]
	return m, ok
}

// Names returns the model names in sorted order
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.models))
	for k := range t.models {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (t *Table) Len() int {
	return len(t.models)
}

// Each calls fn for every model in name order
func (t *Table) Each(fn func(Model)) {
	for _, name := range t.Names() {
		fn(t.models[name])
	}
}
