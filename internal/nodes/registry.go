// ============================================================================
// RoadGuard 節點登錄表
// ============================================================================
//
// Package: internal/nodes
// 文件: registry.go
// 功能: 從 YAML 檔載入路側節點及其車道設定，並在檔案變更時熱重載
//
// 檔案格式:
//
//   nodes:
//     - id: node-1
//       name: Freeway 1 km 23 northbound
//       base_speed_limit: 100
//       lanes:
//         - {id: 11, name: inner, lane_number: 1}
//         - {id: 12, name: outer, lane_number: 2}
//
// 重載失敗時保留舊設定。
//
// ============================================================================

package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

var log = slog.Default()

// ErrInvalidRegistry 節點設定不合法
var ErrInvalidRegistry = errors.New("invalid node registry")

type file struct {
	Nodes []types.Node `yaml:"nodes"`
}

// Registry 節點登錄表
type Registry struct {
	path string

	mu    sync.RWMutex
	nodes map[string]types.Node
}

// NewStatic builds a registry from in-memory nodes. It panics on invalid
// input and is meant for tests and the offline CLI.
func NewStatic(nodes ...types.Node) *Registry {
	r := &Registry{}
	if err := r.Replace(nodes); err != nil {
		panic(err)
	}
	return r
}

// Load reads the registry file at path.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Parse decodes and validates a registry document.
func Parse(data []byte) ([]types.Node, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	if err := validate(f.Nodes); err != nil {
		return nil, err
	}
	return f.Nodes, nil
}

func validate(nodes []types.Node) error {
	seen := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("%w: nodes[%d] has no id", ErrInvalidRegistry, i)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidRegistry, n.ID)
		}
		seen[n.ID] = true
		if n.BaseSpeedLimit < 0 {
			return fmt.Errorf("%w: node %q has negative base_speed_limit", ErrInvalidRegistry, n.ID)
		}

		laneIDs := make(map[int]bool, len(n.Lanes))
		for _, l := range n.Lanes {
			if laneIDs[l.ID] {
				return fmt.Errorf("%w: node %q has duplicate lane id %d", ErrInvalidRegistry, n.ID, l.ID)
			}
			laneIDs[l.ID] = true
		}
	}
	return nil
}

// warnings reports configurations the decision engine tolerates but an
// operator probably did not intend.
func warnings(n types.Node) []string {
	var out []string
	if len(n.Lanes) == 0 {
		out = append(out, "node has no lanes")
	}
	if n.BaseSpeedLimit == 0 {
		out = append(out, "base_speed_limit is 0, speed will fall back to the policy minimum")
	}
	// 車道以 id 排序後，lane_number 應為 1..N
	for i, l := range types.SortLanes(n.Lanes) {
		if l.LaneNumber != i+1 {
			out = append(out, fmt.Sprintf("lane numbers are not contiguous 1..%d in id order (lane id %d has number %d)",
				len(n.Lanes), l.ID, l.LaneNumber))
			break
		}
	}
	return out
}

// Replace swaps the full node set.
func (r *Registry) Replace(nodes []types.Node) error {
	if err := validate(nodes); err != nil {
		return err
	}
	m := make(map[string]types.Node, len(nodes))
	for _, n := range nodes {
		for _, w := range warnings(n) {
			log.Warn("Node configuration warning", "nodeID", n.ID, "warning", w)
		}
		n.Lanes = slices.Clone(n.Lanes)
		m[n.ID] = n
	}

	r.mu.Lock()
	r.nodes = m
	r.mu.Unlock()
	return nil
}

// Reload re-reads the registry file.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read node registry: %w", err)
	}
	nodes, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", r.path, err)
	}
	if err := r.Replace(nodes); err != nil {
		return err
	}
	log.Info("Node registry loaded", "path", r.path, "nodes", len(nodes))
	return nil
}

// Node 取得節點設定
func (r *Registry) Node(id string) (types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if ok {
		n.Lanes = slices.Clone(n.Lanes)
	}
	return n, ok
}

// List 依 id 排序列出所有節點
func (r *Registry) List() []types.Node {
	r.mu.RLock()
	out := make([]types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		n.Lanes = slices.Clone(n.Lanes)
		out = append(out, n)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Node) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len 節點數
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Watch reloads the registry when its file changes until ctx is done.
// Bursts of events within debounce collapse into one reload. The parent
// directory is watched because editors often replace the file by rename.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if r.path == "" {
		return errors.New("node registry has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.path, err)
	}
	target := filepath.Clean(r.path)

	var (
		timer  *time.Timer
		reload = make(chan struct{}, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := r.Reload(); err != nil {
				log.Error("Node registry reload failed, keeping previous configuration", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Node registry watcher error", "error", err)
		}
	}
}
