package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agent-rpc/agent"
)

// fakeAPI answers like a local agent; nil results mimic a timed out call.
type fakeAPI struct {
	local     *agent.Agent
	installed string
	silent    bool
	aborted   bool
}

func ptr[T any](v T, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (f *fakeAPI) Ping() (*bool, error) {
	if f.silent {
		return nil, nil
	}
	return ptr(f.local.Ping(), nil)
}

func (f *fakeAPI) RuntimeInfo() (*map[string]string, error) { return ptr(f.local.RuntimeInfo(), nil) }

func (f *fakeAPI) Shell(cmd string) (*string, error) {
	out, err := f.local.Shell(cmd)
	return ptr(out, err)
}
func (f *fakeAPI) Bundles() (*[]agent.Bundle, error) { return ptr(f.local.Bundles(), nil) }

func (f *fakeAPI) InstallWithData(location string, data []byte) (*agent.Bundle, error) {
	f.installed = "data"
	b, err := f.local.InstallWithData(location, data)
	return ptr(b, err)
}

func (f *fakeAPI) Install(location, sha string) (*agent.Bundle, error) {
	f.installed = "sha"
	b, err := f.local.InstallWithData(location, []byte(sha))
	return ptr(b, err)
}

func (f *fakeAPI) Start(id int64) (*string, error) {
	msg, err := f.local.Start(id)
	return ptr(msg, err)
}

func (f *fakeAPI) Stop(id int64) (*string, error) {
	msg, err := f.local.Stop(id)
	return ptr(msg, err)
}

func (f *fakeAPI) Uninstall(id int64) (*string, error) {
	msg, err := f.local.Uninstall(id)
	return ptr(msg, err)
}

func (f *fakeAPI) Abort() error {
	f.aborted = true
	return nil
}

func runScript(t *testing.T, s *session, script string) string {
	t.Helper()
	var out bytes.Buffer
	repl(s, agent.NewFileStore(), strings.NewReader(script), &out)
	return out.String()
}

func TestReplBundleCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.jar")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	api := &fakeAPI{local: agent.New(nil)}
	s := &session{api: api, close: func() error { return nil }}

	out := runScript(t, s, strings.Join([]string{
		"ping",
		"install " + path,
		"start 1",
		"lb",
		"sh echo hi",
		"start 7",
		"bogus",
		"abort",
		"quit",
		"ping",
	}, "\n"))

	for _, want := range []string{
		"true",
		"installed bundle 1",
		"bundle 1 ACTIVE",
		"file:demo.jar",
		"hi",
		"ERROR: no such bundle: 7",
		"ERROR: unknown command \"bogus\"",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
	if api.installed != "data" {
		t.Fatalf("expect install by content, got %q", api.installed)
	}
	if !api.aborted {
		t.Fatal("abort not sent")
	}
	if strings.Count(out, "true") != 1 {
		t.Fatal("commands after quit must not run")
	}
}

func TestReplInstallBySHAWhenAgentCallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.jar")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	api := &fakeAPI{local: agent.New(nil)}
	s := &session{api: api, close: func() error { return nil }, callsBack: true}

	runScript(t, s, "install "+path+"\n")
	if api.installed != "sha" {
		t.Fatalf("expect install by sha, got %q", api.installed)
	}
}

func TestOrTimeout(t *testing.T) {
	if err := orTimeout(nil); err == nil || !strings.Contains(err.Error(), "no answer") {
		t.Fatalf("expect a timeout error, got %v", err)
	}
	boom := errors.New("boom")
	if err := orTimeout(boom); err != boom {
		t.Fatalf("expect the original error, got %v", err)
	}
}

func TestReplPingWithoutAnswer(t *testing.T) {
	api := &fakeAPI{local: agent.New(nil), silent: true}
	out := runScript(t, &session{api: api, close: func() error { return nil }}, "ping\n")
	if !strings.Contains(out, "false") {
		t.Fatalf("expect false for an unanswered ping, got %q", out)
	}
}
