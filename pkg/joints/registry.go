// Package joints maps host-loop joint names to actuator proxies.
package joints

import (
	"fmt"
	"sort"
	"strings"

	"github.com/teslashibe/go-dogbot/pkg/actuator"
)

const (
	// JointSuffix is appended to actuator names by the host control framework.
	JointSuffix = "_joint"

	// VirtualPrefix names the virtual knee actuators.
	VirtualPrefix = "virtual_"

	// KneeType is the joint type rewritten to a virtual knee.
	KneeType = "knee"
)

// ActuatorName returns the actuator a host joint name refers to.
//
// The "_joint" suffix is dropped. A knee joint resolves to its virtual
// counterpart "virtual_<leg>_knee" when useVirtualKnees is set, where <leg>
// is the name without its last "_" separated part. jointType may be empty,
// in which case that last part is used.
func ActuatorName(jointName, jointType string, useVirtualKnees bool) string {
	name := strings.TrimSuffix(jointName, JointSuffix)
	leg, suffix := splitLast(name)
	if jointType == "" {
		jointType = suffix
	}
	if !useVirtualKnees || jointType != KneeType || strings.HasPrefix(name, VirtualPrefix) {
		return name
	}
	return VirtualPrefix + leg + "_" + KneeType
}

func splitLast(name string) (head, tail string) {
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return name, name
	}
	return name[:i], name[i+1:]
}

// Registry owns the actuator proxies of one robot.
//
// It is filled once at startup; after that it is read-only and may be shared
// between goroutines without locking.
type Registry struct {
	useVirtualKnees bool

	byName map[string]*actuator.Proxy
	byID   [256]*actuator.Proxy
	order  []*actuator.Proxy
}

// New returns an empty registry.
func New(useVirtualKnees bool) *Registry {
	return &Registry{
		useVirtualKnees: useVirtualKnees,
		byName:          make(map[string]*actuator.Proxy),
	}
}

// Add registers a proxy under its name and id.
func (r *Registry) Add(p *actuator.Proxy) error {
	if _, ok := r.byName[p.Name()]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicate, p.Name())
	}
	if prev := r.byID[p.ID()]; prev != nil {
		return fmt.Errorf("%w: id %d used by %q and %q", ErrDuplicate, p.ID(), prev.Name(), p.Name())
	}
	r.byName[p.Name()] = p
	r.byID[p.ID()] = p
	r.order = append(r.order, p)
	return nil
}

// UseVirtualKnees reports whether knee joints resolve to virtual knees.
func (r *Registry) UseVirtualKnees() bool { return r.useVirtualKnees }

// Resolve returns the proxy for a host joint name. The type of the actuator
// the name refers to decides the virtual knee rewrite. Unknown names return
// a nil proxy and an error wrapping ErrUnknownJoint.
func (r *Registry) Resolve(jointName string) (*actuator.Proxy, error) {
	base := strings.TrimSuffix(jointName, JointSuffix)
	var typ string
	if p, ok := r.byName[base]; ok {
		typ = p.Type()
	}
	name := ActuatorName(jointName, typ, r.useVirtualKnees)
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (actuator %q)", ErrUnknownJoint, jointName, name)
	}
	return p, nil
}

// Get returns the proxy with the exact actuator name.
func (r *Registry) Get(name string) (*actuator.Proxy, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// ByID returns the proxy whose controller reports with the given id.
func (r *Registry) ByID(id uint8) *actuator.Proxy {
	return r.byID[id]
}

// All returns the proxies in registration order.
func (r *Registry) All() []*actuator.Proxy {
	return append([]*actuator.Proxy(nil), r.order...)
}

// Names returns the actuator names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered proxies.
func (r *Registry) Len() int { return len(r.order) }
