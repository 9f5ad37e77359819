// Package tftest provides an in-memory tf.Engine.
package tftest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tfjson "github.com/hashicorp/terraform-json"

	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/tf"
)

// Declared is one resource the fake configuration creates.
type Declared struct {
	Address string
	Kind    model.Kind
	Name    string
	// DependsOn are addresses whose IDs the resource references.
	DependsOn []string
	// Target is the service a domain binding points at.
	Target string
}

// Cloud materializes declared resources. providers/memory satisfies it.
type Cloud interface {
	Create(kind model.Kind, name string, dependsOn ...string) (string, error)
	Bind(domain, service string) (string, error)
}

// Engine is a fake declarative engine. Apply creates every declared,
// targeted resource missing from state through Cloud, and reports a
// provider "already exists" failure the way terraform does.
type Engine struct {
	mu       sync.Mutex
	Config   []Declared
	Cloud    Cloud
	state    map[string]tf.ManagedResource
	calls    []string
	applyErr []error

	// LockAge, when set, simulates a local state lock of that age.
	LockAge time.Duration
}

func New(cloud Cloud, config ...Declared) *Engine {
	return &Engine{Config: config, Cloud: cloud, state: make(map[string]tf.ManagedResource)}
}

// FailApply queues errors returned by the next Apply calls, in order.
func (e *Engine) FailApply(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyErr = append(e.applyErr, errs...)
}

// Conflict builds the error terraform returns for an out-of-band resource.
func Conflict(address string) error {
	return &tf.ApplyError{
		Err: errors.New("exit status 1"),
		Diagnostics: []tf.Diagnostic{{
			Severity: tfjson.DiagnosticSeverityError,
			Summary:  "creating resource: EntityAlreadyExists: resource already exists",
			Address:  address,
		}},
	}
}

// Calls returns every engine call so far.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// CountCalls counts calls starting with prefix.
func (e *Engine) CountCalls(prefix string) int {
	n := 0
	for _, c := range e.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Put records an address in managed state directly.
func (e *Engine) Put(address, tfType string, ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state[address] = tf.ManagedResource{Address: address, Type: tfType, Identifiers: ids}
}

func (e *Engine) Init(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "init")
	return nil
}

func (e *Engine) Apply(_ context.Context, opts tf.ApplyOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "apply:"+strings.Join(opts.Targets, ","))
	if len(e.applyErr) > 0 {
		err := e.applyErr[0]
		e.applyErr = e.applyErr[1:]
		return err
	}

	var diags []tf.Diagnostic
	for _, d := range e.Config {
		if _, ok := e.state[d.Address]; ok || !targeted(d.Address, opts.Targets) {
			continue
		}
		spec, err := model.SpecFor(d.Kind)
		if err != nil {
			return err
		}
		if e.Cloud == nil {
			e.state[d.Address] = tf.ManagedResource{Address: d.Address, Type: spec.TerraformType, Identifiers: []string{d.Name}}
			continue
		}
		var deps []string
		for _, addr := range d.DependsOn {
			if r, ok := e.state[addr]; ok && len(r.Identifiers) > 0 {
				deps = append(deps, r.Identifiers[0])
			}
		}
		var id string
		if d.Kind == model.KindDomainBinding {
			id, err = e.Cloud.Bind(d.Name, d.Target)
		} else {
			id, err = e.Cloud.Create(d.Kind, d.Name, deps...)
		}
		if err != nil {
			diags = append(diags, tf.Diagnostic{
				Severity: tfjson.DiagnosticSeverityError,
				Summary:  "creating " + spec.TerraformType + ": " + err.Error(),
				Address:  d.Address,
			})
			continue
		}
		e.state[d.Address] = tf.ManagedResource{Address: d.Address, Type: spec.TerraformType, Identifiers: []string{id, d.Name}}
	}
	if len(diags) > 0 {
		return &tf.ApplyError{Diagnostics: diags, Err: errors.New("exit status 1")}
	}
	return nil
}

func targeted(address string, targets []string) bool {
	if len(targets) == 0 {
		return true
	}
	for _, t := range targets {
		if address == t || strings.HasPrefix(address, t+".") || strings.HasPrefix(address, t+"[") {
			return true
		}
	}
	return false
}

func (e *Engine) Import(_ context.Context, address, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "import:"+address+"="+id)
	if _, ok := e.state[address]; ok {
		return fmt.Errorf("resource already managed by terraform: %s", address)
	}
	tfType := tf.ResourceType(address)
	e.state[address] = tf.ManagedResource{Address: address, Type: tfType, Identifiers: []string{id}}
	return nil
}

func (e *Engine) StateRm(_ context.Context, address string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "state-rm:"+address)
	if _, ok := e.state[address]; !ok {
		return fmt.Errorf("no resource at %s", address)
	}
	delete(e.state, address)
	return nil
}

func (e *Engine) State(context.Context) (*tf.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := &tf.State{}
	for _, r := range e.state {
		out.Resources = append(out.Resources, r)
	}
	sort.Slice(out.Resources, func(i, j int) bool { return out.Resources[i].Address < out.Resources[j].Address })
	return out, nil
}

func (e *Engine) Destroy(_ context.Context, opts tf.ApplyOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "destroy:"+strings.Join(opts.Targets, ","))
	for addr := range e.state {
		if targeted(addr, opts.Targets) {
			delete(e.state, addr)
		}
	}
	return nil
}

func (e *Engine) RemoveStaleLock(_ context.Context, maxAge time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "unlock")
	if e.LockAge == 0 {
		return false, nil
	}
	if e.LockAge < maxAge {
		return false, fmt.Errorf("terraform state is locked (%s old)", e.LockAge)
	}
	e.LockAge = 0
	return true, nil
}
