package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"agent-rpc/agent"
	"agent-rpc/config"
	"agent-rpc/logging"
	"agent-rpc/transport"
	"agent-rpc/zeromq"
)

// session is what the console needs from a connected link.
type session struct {
	api       agent.API
	close     func() error
	callsBack bool // the agent can call the console and wait for answers
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	kind := flag.String("transport", "", "stream or zeromq, overrides the config")
	addr := flag.String("addr", "", "agent address for the stream transport")
	host := flag.String("host", "", "agent host for the zeromq transport")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *kind != "" {
		cfg.Transport = *kind
	}
	if *addr != "" {
		cfg.Stream.Addr = *addr
	}
	if *host != "" {
		cfg.ZeroMQ.Host = *host
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, flush, err := logging.Install(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flush()

	files := agent.NewFileStore()
	events := make(chan agent.Event, 64)
	sup := agent.NewSupervisor(os.Stdout, os.Stderr, files, events)
	go func() {
		for ev := range events {
			fmt.Printf("\n[event] %s bundle=%d at %s\n> ", ev.Topic, ev.BundleID, ev.Time.Format("15:04:05"))
		}
	}()

	var s *session
	switch cfg.Transport {
	case config.TransportStream:
		link, err := transport.Dial[agent.API](context.Background(), cfg.Stream.Addr, sup, agent.NewRemote, cfg.StreamOptions(logger)...)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("connected:", link)
		s = &session{api: link.Remote(), close: link.Close, callsBack: true}
	case config.TransportZeroMQ:
		link, err := zeromq.NewClient[agent.API](cfg.ZeroMQ.Host, sup, agent.NewRemote, cfg.ZeroMQOptions(logger)...)
		if err == nil {
			err = link.Open()
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("connected:", link)
		s = &session{api: link.Remote(), close: link.Close}
	}
	defer s.close()

	repl(s, files, os.Stdin, os.Stdout)
}

func repl(s *session, files *agent.FileStore, in io.Reader, out io.Writer) {
	fmt.Fprint(out, "> ")
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		words := strings.Fields(scanner.Text())
		if len(words) == 0 {
			fmt.Fprint(out, "> ")
			continue
		}
		if words[0] == "quit" || words[0] == "exit" {
			return
		}
		if err := run(s, files, words, out); err != nil {
			fmt.Fprintf(out, "ERROR: %v\n", err)
		}
		fmt.Fprint(out, "> ")
	}
}

func run(s *session, files *agent.FileStore, words []string, out io.Writer) error {
	switch cmd := words[0]; cmd {
	case "ping":
		ok, err := s.api.Ping()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, ok != nil && *ok)
	case "info":
		info, err := s.api.RuntimeInfo()
		if err != nil || info == nil {
			return orTimeout(err)
		}
		keys := make([]string, 0, len(*info))
		for k := range *info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%-10s %s\n", k, (*info)[k])
		}
	case "lb":
		list, err := s.api.Bundles()
		if err != nil || list == nil {
			return orTimeout(err)
		}
		for _, b := range *list {
			fmt.Fprintf(out, "%4d|%-9s|%6d|%s\n", b.ID, b.State, b.Size, b.Location)
		}
	case "install":
		if len(words) != 2 {
			return fmt.Errorf("usage: install <file>")
		}
		data, err := os.ReadFile(words[1])
		if err != nil {
			return err
		}
		location := "file:" + filepath.Base(words[1])
		var b *agent.Bundle
		if s.callsBack {
			b, err = s.api.Install(location, files.Add(data))
		} else {
			b, err = s.api.InstallWithData(location, data)
		}
		if err != nil || b == nil {
			return orTimeout(err)
		}
		fmt.Fprintf(out, "installed bundle %d\n", b.ID)
	case "start", "stop", "uninstall":
		if len(words) != 2 {
			return fmt.Errorf("usage: %s <id>", cmd)
		}
		id, err := strconv.ParseInt(words[1], 10, 64)
		if err != nil {
			return err
		}
		op := map[string]func(int64) (*string, error){
			"start": s.api.Start, "stop": s.api.Stop, "uninstall": s.api.Uninstall,
		}[cmd]
		msg, err := op(id)
		if err != nil || msg == nil {
			return orTimeout(err)
		}
		fmt.Fprintln(out, *msg)
	case "sh":
		res, err := s.api.Shell(strings.Join(words[1:], " "))
		if err != nil || res == nil {
			return orTimeout(err)
		}
		// an agent that can call back has mirrored the output to stdout
		if !s.callsBack {
			fmt.Fprintln(out, *res)
		}
	case "abort":
		return s.api.Abort()
	default:
		return fmt.Errorf("unknown command %q (ping, info, lb, install, start, stop, uninstall, sh, abort, quit)", cmd)
	}
	return nil
}

func orTimeout(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("no answer from agent")
}
