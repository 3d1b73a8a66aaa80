package node

import (
	"context"

	"github.com/dshills/stepgrid/step"
	"github.com/dshills/stepgrid/step/mapop"
)

// Map is a proxy to one distributed map. Every call runs a step-wise
// operation on the node's scheduler and waits for its result.
type Map struct {
	node *Node
	env  *mapop.Env
}

// Name returns the map's name.
func (m *Map) Name() string { return m.env.MapName }

// Put sets key to value and returns the previous value, if any.
func (m *Map) Put(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	res, err := m.invoke(ctx, mapop.Request{Kind: mapop.Put, Key: key, Value: value})
	return res.Value, res.Found, err
}

// Set sets key to value.
func (m *Map) Set(ctx context.Context, key string, value []byte) error {
	_, err := m.invoke(ctx, mapop.Request{Kind: mapop.Set, Key: key, Value: value})
	return err
}

// PutIfAbsent sets key to value unless it already has one. It returns the
// existing value and false when the key was present.
func (m *Map) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	res, err := m.invoke(ctx, mapop.Request{Kind: mapop.PutIfAbsent, Key: key, Value: value})
	return res.Value, res.Applied, err
}

// Remove deletes key and returns its value, if any.
func (m *Map) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := m.invoke(ctx, mapop.Request{Kind: mapop.Remove, Key: key})
	return res.Value, res.Found, err
}

// Delete deletes key.
func (m *Map) Delete(ctx context.Context, key string) error {
	_, err := m.invoke(ctx, mapop.Request{Kind: mapop.Delete, Key: key})
	return err
}

// Get returns the value of key.
func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := m.invoke(ctx, mapop.Request{Kind: mapop.Get, Key: key})
	return res.Value, res.Found, err
}

// Destroy drops the map's entries on every partition. Operations in flight
// fail with step.ErrObjectDestroyed at their next step boundary; later
// calls operate on a fresh, empty map.
func (m *Map) Destroy() bool {
	return m.node.registry.Destroy(m.env.MapName)
}

func (m *Map) invoke(ctx context.Context, req mapop.Request) (mapop.Result, error) {
	req.Deadline = m.node.deadline(ctx)
	op := mapop.NewOp(m.env, req)

	d, err := step.NewDriver[mapop.Data](op, m.node.driverOptions(op)...)
	if err != nil {
		return mapop.Result{}, err
	}
	if err := m.node.scheduler.Submit(ctx, d); err != nil {
		return mapop.Result{}, err
	}
	return op.Future().Get(ctx)
}
