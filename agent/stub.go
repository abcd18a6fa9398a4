package agent

import (
	"context"

	"agent-rpc/remote"
)

type agentStub struct{ inv remote.Invoker }

// NewRemote returns the API stub calling through inv. It satisfies
// remote.Factory[API].
func NewRemote(inv remote.Invoker) API { return agentStub{inv} }

func (s agentStub) Ping() (*bool, error) {
	return remote.Invoke[bool](context.Background(), s.inv, "Ping")
}

func (s agentStub) RuntimeInfo() (*map[string]string, error) {
	return remote.Invoke[map[string]string](context.Background(), s.inv, "RuntimeInfo")
}

func (s agentStub) Shell(cmd string) (*string, error) {
	return remote.Invoke[string](context.Background(), s.inv, "Shell", cmd)
}

func (s agentStub) Bundles() (*[]Bundle, error) {
	return remote.Invoke[[]Bundle](context.Background(), s.inv, "Bundles")
}

func (s agentStub) InstallWithData(location string, data []byte) (*Bundle, error) {
	return remote.Invoke[Bundle](context.Background(), s.inv, "InstallWithData", location, data)
}

func (s agentStub) Install(location, sha string) (*Bundle, error) {
	return remote.Invoke[Bundle](context.Background(), s.inv, "Install", location, sha)
}

func (s agentStub) Start(id int64) (*string, error) {
	return remote.Invoke[string](context.Background(), s.inv, "Start", id)
}

func (s agentStub) Stop(id int64) (*string, error) {
	return remote.Invoke[string](context.Background(), s.inv, "Stop", id)
}

func (s agentStub) Uninstall(id int64) (*string, error) {
	return remote.Invoke[string](context.Background(), s.inv, "Uninstall", id)
}

func (s agentStub) Abort() error {
	return s.inv.Notify(context.Background(), "Abort")
}

type supervisorStub struct{ inv remote.Invoker }

// NewSupervisorRemote returns the SupervisorAPI stub calling through inv.
func NewSupervisorRemote(inv remote.Invoker) SupervisorAPI { return supervisorStub{inv} }

func (s supervisorStub) Stdout(out string) (*bool, error) {
	return remote.Invoke[bool](context.Background(), s.inv, "Stdout", out)
}

func (s supervisorStub) Stderr(out string) (*bool, error) {
	return remote.Invoke[bool](context.Background(), s.inv, "Stderr", out)
}

func (s supervisorStub) GetFile(sha string) (*[]byte, error) {
	return remote.Invoke[[]byte](context.Background(), s.inv, "GetFile", sha)
}

func (s supervisorStub) OnEvent(ev Event) error {
	return s.inv.Notify(context.Background(), "OnEvent", ev)
}
