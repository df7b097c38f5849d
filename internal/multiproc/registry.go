package multiproc

import (
	"sort"
	"sync"
)

// EntryFunc is a worker's body. It runs inside the worker process and must
// return once w.Shutdown is set; supervision can only end it early by killing it.
type EntryFunc func(w *Worker, c *Context) error

var registry = struct {
	sync.RWMutex
	tasks map[string]EntryFunc
}{tasks: make(map[string]EntryFunc)}

// Register makes an entry function available under task. Both the supervisor
// and its workers run the same binary, so registration must happen
// unconditionally (typically from init) before Main is called.
// It panics if task is empty, fn is nil, or task is registered twice.
func Register(task string, fn EntryFunc) {
	registry.Lock()
	defer registry.Unlock()
	if task == "" {
		panic("multiproc: Register with empty task name")
	}
	if fn == nil {
		panic("multiproc: Register entry is nil for task " + task)
	}
	if _, dup := registry.tasks[task]; dup {
		panic("multiproc: Register called twice for task " + task)
	}
	registry.tasks[task] = fn
}

// Tasks returns the sorted names of registered tasks.
func Tasks() []string {
	registry.RLock()
	defer registry.RUnlock()
	out := make([]string, 0, len(registry.tasks))
	for t := range registry.tasks {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func lookup(task string) (EntryFunc, bool) {
	registry.RLock()
	defer registry.RUnlock()
	fn, ok := registry.tasks[task]
	return fn, ok
}
