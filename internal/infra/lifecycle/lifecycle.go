// Package lifecycle: упорядоченный запуск и остановка подсистем харвестера.
// Узел стартует только после своих зависимостей и получает собственный
// дочерний контекст; Shutdown гасит узлы в порядке, обратном фактическому старту.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"energy-harvester/internal/infra/logger"
)

// StartFunc запускает узел. Контекст отменяется при остановке узла.
type StartFunc func(ctx context.Context) error

// StopFunc останавливает узел; к моменту вызова его контекст уже отменён.
type StopFunc func() error

type nodeStatus int

const (
	statusRegistered nodeStatus = iota
	statusStarting
	statusRunning
	statusStopped
	statusFailed
)

func (s nodeStatus) String() string {
	switch s {
	case statusRegistered:
		return "registered"
	case statusStarting:
		return "starting"
	case statusRunning:
		return "running"
	case statusStopped:
		return "stopped"
	case statusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type node struct {
	name   string
	deps   []string
	start  StartFunc
	stop   StopFunc
	cancel context.CancelFunc
	status nodeStatus
	err    error
}

// Manager хранит граф узлов. Потокобезопасен.
type Manager struct {
	root  context.Context
	mu    sync.Mutex
	nodes map[string]*node
	order []string
}

// New создаёт менеджер; контексты узлов наследуются от root.
func New(root context.Context) *Manager {
	if root == nil {
		root = context.Background()
	}
	return &Manager{root: root, nodes: make(map[string]*node)}
}

// Register добавляет узел name с зависимостями deps. start и stop могут быть nil.
func (m *Manager) Register(name string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" {
		return errors.New("lifecycle: empty node name")
	}
	if slices.Contains(deps, name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", name)
	}
	uniq := slices.Clone(deps)
	slices.Sort(uniq)
	m.nodes[name] = &node{name: name, deps: slices.Compact(uniq), start: start, stop: stop}
	return nil
}

// StartAll запускает все узлы. Проход по именам отсортирован, чтобы порядок
// (и логи) были стабильны; зависимости поднимаются рекурсивно раньше.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		names = append(names, name)
	}
	m.mu.Unlock()
	slices.Sort(names)

	var errs error
	for _, name := range names {
		errs = errors.Join(errs, m.startNode(name))
	}
	logger.Debugf("lifecycle start order: %v", m.Order())
	return errs
}

func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.status {
	case statusRunning:
		m.mu.Unlock()
		return nil
	case statusStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: dependency cycle at %q", name)
	case statusFailed:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q failed earlier: %w", name, n.err)
	}
	n.status = statusStarting
	deps := n.deps
	m.mu.Unlock()

	for _, dep := range deps {
		if err := m.startNode(dep); err != nil {
			m.fail(n, err)
			return fmt.Errorf("lifecycle: %q dependency %q: %w", name, dep, err)
		}
	}

	ctx, cancel := context.WithCancel(m.root)
	if n.start != nil {
		if err := n.start(ctx); err != nil {
			cancel()
			m.fail(n, err)
			logger.Errorf("node %s failed to start: %v", name, err)
			return err
		}
	}

	m.mu.Lock()
	n.cancel = cancel
	n.status = statusRunning
	m.order = append(m.order, name)
	m.mu.Unlock()
	logger.Debugf("node %s is running", name)
	return nil
}

// Shutdown останавливает запущенные узлы в обратном порядке старта.
func (m *Manager) Shutdown() error {
	order := m.Order()
	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		errs = errors.Join(errs, m.stopNode(order[i]))
	}
	return errs
}

func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n := m.nodes[name]
	if n == nil || n.status != statusRunning {
		m.mu.Unlock()
		return nil
	}
	cancel, stop := n.cancel, n.stop
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if stop != nil {
		err = stop()
	}

	m.mu.Lock()
	if err != nil {
		n.status, n.err = statusFailed, err
	} else {
		n.status = statusStopped
	}
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("node %s stopped with error: %v", name, err)
	} else {
		logger.Debugf("node %s stopped", name)
	}
	return err
}

// Order возвращает фактический порядок старта.
func (m *Manager) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// Status возвращает состояние узла ("running", "stopped", ...).
func (m *Manager) Status(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		return n.status.String()
	}
	return "unknown"
}

func (m *Manager) fail(n *node, err error) {
	m.mu.Lock()
	n.status, n.err = statusFailed, err
	m.mu.Unlock()
}
