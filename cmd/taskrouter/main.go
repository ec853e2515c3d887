package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/msageha/taskrouter/internal/config"
	"github.com/msageha/taskrouter/internal/daemon"
	"github.com/msageha/taskrouter/internal/model"
	"github.com/msageha/taskrouter/internal/setup"
	"github.com/msageha/taskrouter/internal/uds"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "setup":
		runSetup(args)
	case "daemon":
		runDaemon(args)
	case "enqueue":
		runEnqueue(args)
	case "assign":
		runAssign(args)
	case "agent-state":
		runAgentState(args)
	case "skill-state":
		runSkillState(args)
	case "cancel":
		runCancel(args)
	case "revoke":
		runTaskCommand("revoke", "revoke_task", args, false)
	case "accept":
		runTaskCommand("accept", "task_accept", args, true)
	case "reject":
		runTaskCommand("reject", "task_reject", args, true)
	case "close":
		runTaskCommand("close", "task_close", args, false)
	case "status":
		runStatus(args)
	case "mrd-upsert":
		runMRDUpsert(args)
	case "mrd-delete":
		runMRDDelete(args)
	case "ping":
		runSimple("ping", args)
	case "shutdown":
		runSimple("shutdown", args)
	case "version":
		fmt.Printf("taskrouter %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

// command parses a subcommand's flags. --dir is shared by every command that
// talks to the state directory.
type command struct {
	name  string
	usage string
	flags *pflag.FlagSet
	dir   string
}

func newCommand(name, usage string) *command {
	c := &command{name: name, usage: usage, flags: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	c.flags.StringVar(&c.dir, "dir", "", "state directory (default: nearest "+setup.StateDirName+" in the working directory or its parents)")
	return c
}

// parse parses args and checks that exactly nargs positional arguments remain.
func (c *command) parse(args []string, nargs int) []string {
	if err := c.flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			c.printUsage()
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", c.name, err)
		c.printUsage()
		os.Exit(1)
	}
	rest := c.flags.Args()
	if len(rest) != nargs {
		c.printUsage()
		os.Exit(1)
	}
	return rest
}

func (c *command) printUsage() {
	fmt.Fprintf(os.Stderr, "usage: taskrouter %s %s\n", c.name, c.usage)
	c.flags.PrintDefaults()
}

// stateDir resolves --dir or searches upward for the state directory.
func (c *command) stateDir() string {
	if c.dir != "" {
		return c.dir
	}
	if dir := findStateDir(); dir != "" {
		return dir
	}
	fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'taskrouter setup <dir>' first.\n", setup.StateDirName)
	os.Exit(1)
	return ""
}

// send issues a command to the daemon and prints the response data.
func (c *command) send(udsCommand string, params any) {
	client := uds.NewClient(filepath.Join(c.stateDir(), uds.DefaultSocketName))
	resp, err := client.SendCommand(udsCommand, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", c.name, err)
		os.Exit(1)
	}
	if !resp.Success {
		code := ""
		msg := "unknown error"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", c.name, code, msg)
		os.Exit(1)
	}
	if len(resp.Data) == 0 {
		return
	}
	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

func runSetup(args []string) {
	c := newCommand("setup", "<project_dir>")
	rest := c.parse(args, 1)
	if err := setup.Run(rest[0]); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(rest[0])
	fmt.Printf("Initialized %s/ in %s\n", setup.StateDirName, absDir)
}

func runDaemon(args []string) {
	c := newCommand("daemon", "[--dir <state_dir>]")
	c.parse(args, 0)
	dir := c.stateDir()

	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runEnqueue(args []string) {
	c := newCommand("enqueue", "--conversation <id> --mrd <id> --queue <id> [--priority N] [--session <id>]")
	var req daemon.EnqueueRequest
	c.flags.StringVar(&req.ConversationID, "conversation", "", "conversation id")
	c.flags.StringVar(&req.MRDID, "mrd", "", "media routing domain id")
	c.flags.StringVar(&req.QueueID, "queue", "", "precision queue id")
	c.flags.IntVar(&req.Priority, "priority", 0, "priority (higher is served first)")
	c.flags.StringVar(&req.ChannelSessionID, "session", "", "channel session id")
	c.parse(args, 0)
	c.send("enqueue", req)
}

func runAssign(args []string) {
	c := newCommand("assign", "--conversation <id> --mrd <id> --agent <id> [--priority N] [--session <id>]")
	var req daemon.AssignRequest
	c.flags.StringVar(&req.ConversationID, "conversation", "", "conversation id")
	c.flags.StringVar(&req.MRDID, "mrd", "", "media routing domain id")
	c.flags.StringVar(&req.AgentID, "agent", "", "agent id")
	c.flags.IntVar(&req.Priority, "priority", 0, "priority")
	c.flags.StringVar(&req.ChannelSessionID, "session", "", "channel session id")
	c.parse(args, 0)
	c.send("assign_agent", req)
}

func runAgentState(args []string) {
	c := newCommand("agent-state", "<agent_id> <LOGIN|LOGOUT|READY|NOT_READY> [--reason <code>]")
	var reason string
	c.flags.StringVar(&reason, "reason", "", "reason code")
	rest := c.parse(args, 2)
	c.send("agent_state", daemon.AgentStateParams{
		AgentID:    rest[0],
		State:      strings.ToUpper(rest[1]),
		ReasonCode: strings.ToUpper(reason),
	})
}

func runSkillState(args []string) {
	c := newCommand("skill-state", "<agent_id> <mrd_id> <READY|NOT_READY>")
	rest := c.parse(args, 3)
	c.send("agent_skill_state", daemon.SkillStateParams{
		AgentID: rest[0],
		MRDID:   rest[1],
		State:   strings.ToUpper(rest[2]),
	})
}

func runCancel(args []string) {
	c := newCommand("cancel", "--conversation <id> --mrd <id> [--reason <code>]")
	var p daemon.CancelResourceParams
	c.flags.StringVar(&p.ConversationID, "conversation", "", "conversation id")
	c.flags.StringVar(&p.MRDID, "mrd", "", "media routing domain id")
	c.flags.StringVar(&p.ReasonCode, "reason", "", "reason code (default CANCELLED)")
	c.parse(args, 0)
	p.ReasonCode = strings.ToUpper(p.ReasonCode)
	c.send("cancel_resource", p)
}

// runTaskCommand handles the commands addressed to one task and, when
// withMedia is set, one of its media.
func runTaskCommand(name, udsCommand string, args []string, withMedia bool) {
	usage := "<task_id>"
	nargs := 1
	if withMedia {
		usage = "<task_id> <media_id>"
		nargs = 2
	}
	c := newCommand(name, usage+" [--reason <code>]")
	var p daemon.TaskParams
	c.flags.StringVar(&p.ReasonCode, "reason", "", "reason code")
	if !withMedia {
		c.flags.StringVar(&p.MediaID, "media", "", "restrict to one media")
	}
	rest := c.parse(args, nargs)
	p.TaskID = rest[0]
	if withMedia {
		p.MediaID = rest[1]
	}
	p.ReasonCode = strings.ToUpper(p.ReasonCode)
	c.send(udsCommand, p)
}

func runStatus(args []string) {
	c := newCommand("status", "[--detail]")
	var p daemon.StatusParams
	c.flags.BoolVar(&p.Detail, "detail", false, "include queue entries")
	c.parse(args, 0)
	c.send("status", p)
}

func runMRDUpsert(args []string) {
	c := newCommand("mrd-upsert", "--id <id> --name <name> [--capacity N] [--ttl SEC] [--interruptible] [--auto-join]")
	var m model.MRD
	c.flags.StringVar(&m.ID, "id", "", "MRD id")
	c.flags.StringVar(&m.Name, "name", "", "display name")
	c.flags.IntVar(&m.MaxRequestsPerAgent, "capacity", 1, "max concurrent requests per agent")
	c.flags.IntVar(&m.RequestTTLSec, "ttl", 0, "request TTL in seconds (0: routing default)")
	c.flags.BoolVar(&m.Interruptible, "interruptible", false, "other media may interrupt this one")
	c.flags.BoolVar(&m.AutoJoin, "auto-join", false, "join the agent already handling the conversation")
	c.parse(args, 0)
	c.send("mrd_upsert", m)
}

func runMRDDelete(args []string) {
	c := newCommand("mrd-delete", "<mrd_id>")
	rest := c.parse(args, 1)
	c.send("mrd_delete", daemon.MRDDeleteParams{MRDID: rest[0]})
}

func runSimple(name string, args []string) {
	c := newCommand(name, "")
	c.parse(args, 0)
	c.send(name, nil)
}

// findStateDir searches for the state directory in the current directory and
// ancestors.
func findStateDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.StateDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskrouter %s: contact-center task router

Usage: taskrouter <command> [options]

Lifecycle:
  setup <dir>                      Initialize %s/ in dir
  daemon                           Run the router daemon
  shutdown                         Stop a running daemon
  ping                             Check the daemon is up
  status [--detail]                Show agents, queues and counters

Tasks:
  enqueue --conversation --mrd --queue   Queue a media for routing
  assign --conversation --mrd --agent    Reserve a media on a named agent
  accept <task> <media>            Agent accepted the offer
  reject <task> <media> [--reason] Agent refused the offer (default RONA)
  close <task> [--media] [--reason] Close a task or one media
  cancel --conversation --mrd      Cancel pending work of a conversation
  revoke <task>                    Revoke in-process auto-join media

Agents:
  agent-state <agent> <STATE>      LOGIN, LOGOUT, READY or NOT_READY
  skill-state <agent> <mrd> <STATE> READY or NOT_READY on one skill

Reference data:
  mrd-upsert --id --name [...]     Create or update a media routing domain
  mrd-delete <mrd>                 Delete an unreferenced media routing domain

Other:
  version                          Show version
  help                             Show this help

Every command accepts --dir to point at the state directory.
`, version, setup.StateDirName)
}
