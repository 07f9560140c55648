package script

import (
	"sort"
	"time"

	"github.com/fhirdhis/adapter/pkg/resource"
)

// Standard variable names bound into every script.
const (
	VarInput   = "input"
	VarOutput  = "output"
	VarContext = "context"
	VarArgs    = "args"
)

// Variables is an immutable set of named values passed into a script. With
// returns a new set, so a bundle handed to one script can not be changed by
// another.
type Variables struct {
	values map[string]interface{}
}

// NewVariables returns an empty set.
func NewVariables() Variables {
	return Variables{}
}

// With returns a copy of v with name bound to a deep copy of value.
func (v Variables) With(name string, value interface{}) Variables {
	next := make(map[string]interface{}, len(v.values)+1)
	for k, e := range v.values {
		next[k] = e
	}
	next[name] = resource.DeepCopy(value)
	return Variables{values: next}
}

// Get returns a deep copy of the value bound to name.
func (v Variables) Get(name string) (interface{}, bool) {
	e, ok := v.values[name]
	if !ok {
		return nil, false
	}
	return resource.DeepCopy(e), true
}

// Names returns the bound names in sorted order.
func (v Variables) Names() []string {
	names := make([]string, 0, len(v.values))
	for k := range v.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Context is the value bound to the "context" variable.
type Context struct {
	Now                  time.Time `json:"now"`
	FHIRVersion          string    `json:"fhirVersion"`
	Direction            string    `json:"direction"`
	CreationDisabled     bool      `json:"creationDisabled"`
	UseAdapterIdentifier bool      `json:"useAdapterIdentifier"`
	RuleID               string    `json:"ruleId"`
	Delete               bool      `json:"delete"`
}
