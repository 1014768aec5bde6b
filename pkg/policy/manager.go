package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/models"
)

// Manager 持有当前生效的指纹策略，负责读写策略文件和热加载
type Manager struct {
	path     string
	mu       sync.RWMutex
	current  models.FingerprintPolicy
	watcher  *fsnotify.Watcher
	onChange []func(models.FingerprintPolicy)
	cancel   context.CancelFunc
}

func NewManager(path string) *Manager {
	return &Manager{path: path, current: Defaults()}
}

// Load 读取策略文件；文件不存在或损坏时使用默认值，损坏时返回 ErrPolicyCorruption 供调用方记录
func (m *Manager) Load() (models.FingerprintPolicy, error) {
	p, err := m.read()
	m.mu.Lock()
	m.current = p
	m.mu.Unlock()
	return p.Clone(), err
}

func (m *Manager) read() (models.FingerprintPolicy, error) {
	if m.path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return Defaults(), fmt.Errorf("read policy: %w: %w", models.ErrPolicyCorruption, err)
	}
	return Parse(data)
}

// Current 返回当前策略的副本
func (m *Manager) Current() models.FingerprintPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// Update 校验通过后落盘并生效；校验失败时保持原策略
func (m *Manager) Update(p models.FingerprintPolicy) error {
	if err := Check(p); err != nil {
		return err
	}
	p = p.Clone()
	if err := m.Save(p); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = p
	m.mu.Unlock()

	logger.Log.Infow("指纹策略已更新", "checks", len(p.Checks), "high", p.High(), "medium", p.Medium())
	m.notify(p)
	return nil
}

// Save 先写临时文件再重命名，避免读到半个文件
func (m *Manager) Save(p models.FingerprintPolicy) error {
	if m.path == "" {
		return nil
	}
	data, err := Encode(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".policy-*.json")
	if err != nil {
		return fmt.Errorf("create temp policy: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp policy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp policy: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replace policy: %w", err)
	}
	return nil
}

// OnChange 注册策略变更回调
func (m *Manager) OnChange(cb func(models.FingerprintPolicy)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, cb)
	m.mu.Unlock()
}

func (m *Manager) notify(p models.FingerprintPolicy) {
	m.mu.RLock()
	callbacks := append([]func(models.FingerprintPolicy){}, m.onChange...)
	m.mu.RUnlock()
	for _, cb := range callbacks {
		cb(p.Clone())
	}
}

// Watch 监听策略文件所在目录，文件被写入或替换后重新加载
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.watcher = watcher
	m.cancel = cancel
	m.mu.Unlock()

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounce *time.Timer
	const delay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(m.path) {
				continue
			}
			// 原子替换表现为 Create 或 Rename
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(delay, m.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Log.Warnf("策略文件监听错误: %v", err)
		}
	}
}

func (m *Manager) reload() {
	p, err := m.read()
	if err != nil {
		// 热加载时损坏的文件不覆盖已生效的策略
		logger.Log.Warnf("策略文件重新加载失败，保持当前策略: %v", err)
		return
	}

	m.mu.Lock()
	m.current = p
	m.mu.Unlock()

	logger.Log.Infow("指纹策略已重新加载", "path", m.path, "checks", len(p.Checks))
	m.notify(p)
}

// Close 停止监听
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	if m.watcher != nil {
		err := m.watcher.Close()
		m.watcher = nil
		return err
	}
	return nil
}
