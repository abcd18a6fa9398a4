package agent

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNoBundle     = errors.New("no such bundle")
	ErrNoSupervisor = errors.New("no supervisor attached")
)

// Agent is the runtime object a console drives. It keeps an in-memory
// registry of installed bundles and reports state changes to the supervisor.
type Agent struct {
	supervisor func() SupervisorAPI
	started    time.Time
	logger     *zap.Logger

	mu      sync.Mutex
	nextID  int64
	bundles map[int64]*Bundle
	aborted chan struct{}
	once    sync.Once
}

// New returns an Agent. supervisor returns the stub of the console currently
// attached, or nil; it may itself be nil when nobody listens.
func New(supervisor func() SupervisorAPI) *Agent {
	return &Agent{
		supervisor: supervisor,
		started:    time.Now(),
		logger:     zap.L().Named("agent"),
		nextID:     1,
		bundles:    make(map[int64]*Bundle),
		aborted:    make(chan struct{}),
	}
}

// Aborted is closed once the console asked the agent to stop, or the agent
// was closed with its link.
func (a *Agent) Aborted() <-chan struct{} {
	return a.aborted
}

func (a *Agent) Ping() bool { return true }

func (a *Agent) RuntimeInfo() map[string]string {
	host, _ := os.Hostname()
	a.mu.Lock()
	count := len(a.bundles)
	a.mu.Unlock()
	return map[string]string{
		"host":       host,
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go":         runtime.Version(),
		"goroutines": strconv.Itoa(runtime.NumGoroutine()),
		"uptime":     time.Since(a.started).Round(time.Second).String(),
		"bundles":    strconv.Itoa(count),
	}
}

// Shell runs one of the built-in console commands. Its output is also
// mirrored to the supervisor's stdout.
func (a *Agent) Shell(cmd string) (string, error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", nil
	}

	var out string
	switch fields[0] {
	case "help":
		out = "commands: help, echo <text>, lb, info"
	case "echo":
		out = strings.Join(fields[1:], " ")
	case "lb":
		var b strings.Builder
		for _, bundle := range a.Bundles() {
			fmt.Fprintf(&b, "%4d|%-9s|%s\n", bundle.ID, bundle.State, bundle.Location)
		}
		out = strings.TrimSuffix(b.String(), "\n")
	case "info":
		info := a.RuntimeInfo()
		keys := make([]string, 0, len(info))
		for k := range info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, k+"="+info[k])
		}
		out = strings.Join(lines, "\n")
	default:
		a.stderr("unknown command: " + fields[0])
		return "", fmt.Errorf("unknown command %q", fields[0])
	}
	a.stdout(out)
	return out, nil
}

// Bundles lists the installed bundles ordered by id.
func (a *Agent) Bundles() []Bundle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Bundle, 0, len(a.bundles))
	for _, b := range a.bundles {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InstallWithData installs a bundle whose content travels with the call.
func (a *Agent) InstallWithData(location string, data []byte) (Bundle, error) {
	if location == "" {
		return Bundle{}, errors.New("location is required")
	}
	sum := sha1.Sum(data)
	return a.install(location, hex.EncodeToString(sum[:]), len(data)), nil
}

// Install installs a bundle whose content the supervisor holds under sha.
func (a *Agent) Install(location, sha string) (Bundle, error) {
	sup := a.currentSupervisor()
	if sup == nil {
		return Bundle{}, ErrNoSupervisor
	}
	data, err := sup.GetFile(sha)
	if err != nil {
		return Bundle{}, fmt.Errorf("fetch %s: %w", sha, err)
	}
	if data == nil || len(*data) == 0 {
		return Bundle{}, fmt.Errorf("supervisor has no file %s", sha)
	}
	sum := sha1.Sum(*data)
	if got := hex.EncodeToString(sum[:]); got != sha {
		return Bundle{}, fmt.Errorf("content of %s hashes to %s", sha, got)
	}
	return a.install(location, sha, len(*data)), nil
}

func (a *Agent) install(location, sha string, size int) Bundle {
	a.mu.Lock()
	b := &Bundle{ID: a.nextID, Location: location, State: StateInstalled, Size: size, SHA: sha}
	a.bundles[b.ID] = b
	a.nextID++
	installed := *b
	a.mu.Unlock()

	a.logger.Info("bundle installed", zap.Int64("id", installed.ID), zap.String("location", location))
	a.emit(TopicInstalled, installed.ID)
	return installed
}

func (a *Agent) Start(id int64) (string, error) {
	return a.transition(id, StateActive, TopicStarted)
}

func (a *Agent) Stop(id int64) (string, error) {
	return a.transition(id, StateInstalled, TopicStopped)
}

func (a *Agent) transition(id int64, state, topic string) (string, error) {
	a.mu.Lock()
	b, ok := a.bundles[id]
	if !ok {
		a.mu.Unlock()
		return "", fmt.Errorf("%w: %d", ErrNoBundle, id)
	}
	if b.State == state {
		a.mu.Unlock()
		return fmt.Sprintf("bundle %d already %s", id, state), nil
	}
	b.State = state
	a.mu.Unlock()

	a.emit(topic, id)
	return fmt.Sprintf("bundle %d %s", id, state), nil
}

func (a *Agent) Uninstall(id int64) (string, error) {
	a.mu.Lock()
	_, ok := a.bundles[id]
	delete(a.bundles, id)
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrNoBundle, id)
	}
	a.emit(TopicUninstalled, id)
	return fmt.Sprintf("bundle %d uninstalled", id), nil
}

// Abort asks the agent to stop. Nothing is sent back.
func (a *Agent) Abort() {
	a.logger.Info("abort requested")
	a.emit(TopicAborted, 0)
	a.once.Do(func() { close(a.aborted) })
}

// Close releases the agent when its link closes.
func (a *Agent) Close() error {
	a.once.Do(func() { close(a.aborted) })
	return nil
}

func (a *Agent) currentSupervisor() SupervisorAPI {
	if a.supervisor == nil {
		return nil
	}
	return a.supervisor()
}

func (a *Agent) emit(topic string, id int64) {
	sup := a.currentSupervisor()
	if sup == nil {
		return
	}
	if err := sup.OnEvent(Event{Topic: topic, BundleID: id, Time: time.Now()}); err != nil {
		a.logger.Debug("event not delivered", zap.String("topic", topic), zap.Error(err))
	}
}

func (a *Agent) stdout(out string) {
	if sup := a.currentSupervisor(); sup != nil && out != "" {
		if _, err := sup.Stdout(out); err != nil {
			a.logger.Debug("stdout not delivered", zap.Error(err))
		}
	}
}

func (a *Agent) stderr(out string) {
	if sup := a.currentSupervisor(); sup != nil {
		if _, err := sup.Stderr(out); err != nil {
			a.logger.Debug("stderr not delivered", zap.Error(err))
		}
	}
}
