// Package agent holds the two collaborators the links connect: the runtime
// Agent, which a console drives remotely, and the console-side Supervisor,
// which the agent calls back for files, output and events.
//
// The API and SupervisorAPI interfaces are what each side sees of the other.
// Their stubs (NewRemote, NewSupervisorRemote) forward every method to a
// remote.Invoker, so they work over either transport.
package agent

import "time"

// Event topics.
const (
	TopicInstalled   = "agent/bundle/installed"
	TopicStarted     = "agent/bundle/started"
	TopicStopped     = "agent/bundle/stopped"
	TopicUninstalled = "agent/bundle/uninstalled"
	TopicAborted     = "agent/aborted"
)

// Bundle states.
const (
	StateInstalled = "INSTALLED"
	StateActive    = "ACTIVE"
)

// Bundle is an artifact installed on the agent.
type Bundle struct {
	ID       int64  `json:"id"`
	Location string `json:"location"`
	State    string `json:"state"`
	Size     int    `json:"size"`
	SHA      string `json:"sha"`
}

// Event is pushed from the agent to the supervisor.
type Event struct {
	Topic    string    `json:"topic"`
	BundleID int64     `json:"bundleId,omitempty"`
	Time     time.Time `json:"time"`
}

// API is the agent as seen from the console. A nil result with a nil error
// means the call timed out.
type API interface {
	Ping() (*bool, error)
	RuntimeInfo() (*map[string]string, error)
	Shell(cmd string) (*string, error)
	Bundles() (*[]Bundle, error)
	InstallWithData(location string, data []byte) (*Bundle, error)
	Install(location, sha string) (*Bundle, error)
	Start(id int64) (*string, error)
	Stop(id int64) (*string, error)
	Uninstall(id int64) (*string, error)
	Abort() error
}

// SupervisorAPI is the console as seen from the agent.
type SupervisorAPI interface {
	Stdout(out string) (*bool, error)
	Stderr(out string) (*bool, error)
	GetFile(sha string) (*[]byte, error)
	OnEvent(ev Event) error
}
