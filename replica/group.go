// Package replica runs data-parallel forward and backward passes across
// several clones of a model.
//
// Every worker owns one clone on its own device and a task channel. The
// controller broadcasts the master weights with each task, waits for every
// worker to reply before returning, and reduces worker gradients into the
// master's. No worker starts the next micro-batch ahead of the others.
package replica

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-promptel/data"
	"github.com/tsawler/go-promptel/device"
	"github.com/tsawler/go-promptel/model"
	"github.com/tsawler/go-promptel/tensor"
)

// ErrClosed is returned by calls on a closed group.
var ErrClosed = errors.New("replica group closed")

type taskKind int

const (
	taskTrain taskKind = iota
	taskEval
	taskBackward
)

type task struct {
	kind  taskKind
	ctx   context.Context
	batch *data.Batch
	scale float64
	reply chan<- reply
}

type reply struct {
	worker int
	loss   float64
	scores [][]float64
	err    error
}

type worker struct {
	id      int
	dev     device.Device
	replica model.Model
	tasks   chan task
	loss    model.Loss // shard loss of the pending backward pass
}

// Group fans micro-batches out over worker replicas of a master model.
type Group struct {
	master  model.Model
	params  []*tensor.Parameter
	workers []*worker
	eg      *errgroup.Group
	active  []*worker // workers holding a shard of the pending backward pass
	closed  bool
}

// NewGroup clones master once per device and starts one worker per clone.
func NewGroup(master model.Model, devices []device.Device) (*Group, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("replica group needs at least one device")
	}

	g := &Group{
		master: master,
		params: master.Parameters(),
		eg:     new(errgroup.Group),
	}
	for i, d := range devices {
		clone := master.Clone()
		if err := clone.To(d); err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to place replica %d: %w", i, err)
		}
		w := &worker{id: i, dev: d, replica: clone, tasks: make(chan task)}
		g.workers = append(g.workers, w)
		g.eg.Go(func() error {
			w.run(g.params)
			return nil
		})
	}
	return g, nil
}

// Size returns the number of workers.
func (g *Group) Size() int {
	return len(g.workers)
}

// Devices returns the worker devices in order.
func (g *Group) Devices() []device.Device {
	out := make([]device.Device, len(g.workers))
	for i, w := range g.workers {
		out[i] = w.dev
	}
	return out
}

func (w *worker) run(master []*tensor.Parameter) {
	for t := range w.tasks {
		t.reply <- w.handle(t, master)
	}
}

func (w *worker) handle(t task, master []*tensor.Parameter) reply {
	r := reply{worker: w.id}
	switch t.kind {
	case taskTrain, taskEval:
		if err := w.syncWeights(master); err != nil {
			r.err = err
			return r
		}
		w.replica.SetTraining(t.kind == taskTrain)
		if err := t.batch.To(w.dev); err != nil {
			r.err = err
			return r
		}
		if t.kind == taskEval {
			r.scores, r.err = w.replica.ForwardEval(t.ctx, t.batch)
			return r
		}
		w.loss, r.err = w.replica.ForwardTrain(t.ctx, t.batch)
		if r.err == nil {
			r.loss = w.loss.Value()
		}
	case taskBackward:
		if w.loss == nil {
			r.err = fmt.Errorf("worker %d has no pending forward pass", w.id)
			return r
		}
		tensor.ZeroGrads(w.replica.Parameters())
		r.err = w.loss.Backward(t.scale)
		w.loss = nil
	}
	return r
}

// syncWeights copies the master weights into the replica. The master is only
// read here; the controller does not update it while tasks are in flight.
func (w *worker) syncWeights(master []*tensor.Parameter) error {
	local := w.replica.Parameters()
	if len(local) != len(master) {
		return fmt.Errorf("replica %d has %d parameters, master has %d", w.id, len(local), len(master))
	}
	for i, p := range local {
		if err := p.Value.CopyFrom(master[i].Value); err != nil {
			return fmt.Errorf("failed to sync %s: %w", p.Name, err)
		}
	}
	return nil
}

// dispatch sends one task per shard and blocks until every worker replied.
func (g *Group) dispatch(tasks []task) ([]reply, error) {
	if g.closed {
		return nil, ErrClosed
	}
	replies := make(chan reply, len(tasks))
	for i := range tasks {
		tasks[i].reply = replies
		g.workers[i].tasks <- tasks[i]
	}

	out := make([]reply, len(tasks))
	var errs []error
	for range tasks {
		r := <-replies
		out[r.worker] = r
		if r.err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", r.worker, r.err))
		}
	}
	return out, errors.Join(errs...)
}

// ForwardTrain splits b across the workers and returns the summed loss of
// every shard. Backward on the returned loss reduces worker gradients into
// the master parameters.
func (g *Group) ForwardTrain(ctx context.Context, b *data.Batch) (model.Loss, error) {
	shards := b.Split(len(g.workers))
	tasks := make([]task, len(shards))
	for i, s := range shards {
		tasks[i] = task{kind: taskTrain, ctx: ctx, batch: s}
	}
	replies, err := g.dispatch(tasks)
	if err != nil {
		return nil, err
	}

	g.active = g.workers[:len(shards)]
	var total float64
	for _, r := range replies {
		total += r.loss
	}
	return &groupLoss{group: g, value: total}, nil
}

// ForwardEval scores b across the workers and concatenates the shard scores
// in batch order.
func (g *Group) ForwardEval(ctx context.Context, b *data.Batch) ([][]float64, error) {
	shards := b.Split(len(g.workers))
	tasks := make([]task, len(shards))
	for i, s := range shards {
		tasks[i] = task{kind: taskEval, ctx: ctx, batch: s}
	}
	replies, err := g.dispatch(tasks)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, 0, b.Size())
	for _, r := range replies {
		out = append(out, r.scores...)
	}
	return out, nil
}

func (g *Group) backward(scale float64) error {
	if len(g.active) == 0 {
		return fmt.Errorf("no pending forward pass")
	}
	tasks := make([]task, len(g.active))
	for i := range tasks {
		tasks[i] = task{kind: taskBackward, scale: scale}
	}
	active := g.active
	g.active = nil
	if _, err := g.dispatch(tasks); err != nil {
		return err
	}

	// Reduce on the controller goroutine: all workers are idle here.
	for _, w := range active {
		for i, p := range w.replica.Parameters() {
			floats.Add(g.params[i].Grad.Data, p.Grad.Data)
			p.ZeroGrad()
		}
	}
	return nil
}

// Close stops every worker and waits for them to exit.
func (g *Group) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	for _, w := range g.workers {
		close(w.tasks)
	}
	return g.eg.Wait()
}

type groupLoss struct {
	group *Group
	value float64
}

func (l *groupLoss) Value() float64 {
	return l.value
}

func (l *groupLoss) Backward(scale float64) error {
	return l.group.backward(scale)
}
