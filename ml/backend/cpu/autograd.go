package cpu

import (
	"github.com/emirpasic/gods/v2/stacks/arraystack"

	"github.com/ollama/vae/logutil"
)

type frame struct {
	t *Tensor
	// done is set once every input of t has been pushed
	done bool
}

// topological returns the tensors reachable from root that require
// gradients, ordered so that every tensor follows its inputs
func topological(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	stack := arraystack.New[frame]()
	stack.Push(frame{t: root})
	for !stack.Empty() {
		f, _ := stack.Pop()
		if f.done {
			order = append(order, f.t)
			continue
		}

		if visited[f.t] {
			continue
		}

		visited[f.t] = true
		stack.Push(frame{t: f.t, done: true})
		for _, in := range f.t.inputs {
			if in.requiresGrad && !visited[in] {
				stack.Push(frame{t: in})
			}
		}
	}

	return order
}

func backward(root *Tensor) {
	order := topological(root)
	logutil.Trace("cpu: backward", "root", root, "nodes", len(order))

	// only leaves accumulate across calls
	for _, t := range order {
		if t.backward != nil {
			clear(t.grad)
		}
	}

	root.grad[0] += 1
	for i := len(order) - 1; i >= 0; i-- {
		if fn := order[i].backward; fn != nil {
			fn()
		}
	}
}
