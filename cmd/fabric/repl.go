package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ergochat/readline"
	"github.com/sanity-io/litter"

	"github.com/drpcorg/fabric"
	"github.com/drpcorg/fabric/schema"
)

// REPL per se.
type REPL struct {
	node *fabric.Node
	ctx  context.Context
	rl   *readline.Instance
}

var (
	ErrUsage      = errors.New("usage")
	ErrNoSuchName = errors.New("no such class or field")
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("class"),
	readline.PcItem("classes"),
	readline.PcItem("new"),
	readline.PcItem("set"),
	readline.PcItem("get"),
	readline.PcItem("ls"),
	readline.PcItem("dump"),
	readline.PcItem("root"),

	readline.PcItem("listen"),
	readline.PcItem("connect"),
	readline.PcItem("disconnect"),
	readline.PcItem("peers"),
	readline.PcItem("pull"),
	readline.PcItem("flush"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

const help = `class Name field:kind ...     define a class
classes                       list classes
new Class [field=value ...]   create an object
set id field=value ...        write fields
get id [field ...]            read fields
ls                            list objects
dump id                       print an object with its latest versions
root [id]                     show or set the root object
listen addr | connect addr | disconnect name | peers
pull id                       fetch what peers have of an object
flush                         write pending commits to the store
exit`

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".fabric_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return repl.node.Close()
}

func (repl *REPL) Loop() error {
	for {
		out, err := repl.Step()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			_, _ = fmt.Fprintln(os.Stdout, err.Error())
		case out != "":
			_, _ = fmt.Fprintln(os.Stdout, out)
		}
	}
}

// Step reads and runs one command.
func (repl *REPL) Step() (string, error) {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return "", nil
	}
	if err != nil {
		return "", io.EOF
	}
	return repl.Exec(strings.Fields(line))
}

func (repl *REPL) Exec(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		return help, nil
	// ----- objects -----
	case "class":
		return repl.CommandClass(args)
	case "classes":
		return repl.CommandClasses()
	case "new":
		return repl.CommandNew(args)
	case "set":
		return repl.CommandSet(args)
	case "get":
		return repl.CommandGet(args)
	case "ls", "list":
		return repl.CommandList()
	case "dump":
		return repl.CommandDump(args)
	case "root":
		return repl.CommandRoot(args)
	// ----- networking -----
	case "listen":
		return "", repl.one(args, repl.node.Listen)
	case "connect":
		return "", repl.one(args, repl.node.Connect)
	case "disconnect":
		return "", repl.one(args, repl.node.Disconnect)
	case "peers":
		return repl.CommandPeers()
	case "pull":
		obj, err := repl.object(args)
		if err != nil {
			return "", err
		}
		return "", repl.node.Pull(repl.ctx, obj.URI())
	case "flush":
		return "", repl.node.Flush(repl.ctx)
	case "exit", "quit":
		return "", io.EOF
	}
	return "", fmt.Errorf("command unknown: %s", cmd)
}

func (repl *REPL) one(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: one address", ErrUsage)
	}
	return fn(args[0])
}

func (repl *REPL) CommandClass(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("%w: class Name field:kind ...", ErrUsage)
	}
	class, err := parseClass(strings.Join(args, " "))
	if err != nil {
		return "", err
	}
	if err := repl.node.Registry().Register(class); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %08x", class.Name, class.ID), nil
}

func (repl *REPL) CommandClasses() (string, error) {
	classes := repl.node.Registry().Classes()
	sort.Slice(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })
	lines := make([]string, 0, len(classes))
	for _, c := range classes {
		lines = append(lines, formatClass(c))
	}
	return strings.Join(lines, "\n"), nil
}

func (repl *REPL) CommandNew(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("%w: new Class [field=value ...]", ErrUsage)
	}
	class, ok := repl.node.Registry().ByName(args[0])
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchName, args[0])
	}
	var obj *fabric.Object
	err := repl.node.Run(repl.ctx, func(ctx context.Context, tx *fabric.Transaction) (err error) {
		if obj, err = tx.New(class); err != nil {
			return err
		}
		return assign(tx, obj, args[1:])
	})
	if err != nil {
		return "", err
	}
	return obj.ID().String(), nil
}

func (repl *REPL) CommandSet(args []string) (string, error) {
	obj, err := repl.object(args)
	if err != nil {
		return "", err
	}
	return "", repl.node.Run(repl.ctx, func(ctx context.Context, tx *fabric.Transaction) error {
		return assign(tx, obj, args[1:])
	})
}

func (repl *REPL) CommandGet(args []string) (string, error) {
	obj, err := repl.object(args)
	if err != nil {
		return "", err
	}
	class := obj.Class()
	names := args[1:]
	if len(names) == 0 {
		for _, f := range class.Fields {
			names = append(names, f.Name)
		}
	}
	tx := repl.node.Branch().Start()
	var b strings.Builder
	for _, name := range names {
		i := class.FieldIndex(name)
		if i < 0 {
			return "", fmt.Errorf("%w: %s.%s", ErrNoSuchName, class.Name, name)
		}
		v, err := tx.Get(obj, i)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s=%s\n", name, formatValue(v))
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

func (repl *REPL) CommandList() (string, error) {
	var b strings.Builder
	for _, obj := range repl.node.Branch().Objects() {
		fmt.Fprintf(&b, "%s\t%s\n", obj.ID(), obj.Class().Name)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// objectDump is what dump prints.
type objectDump struct {
	ID       string
	Class    string
	Fields   map[string]any
	Versions []versionDump
}

type versionDump struct {
	Seq    uint64
	Stamp  string
	Remote bool
	Fields []string
}

func (repl *REPL) CommandDump(args []string) (string, error) {
	obj, err := repl.object(args)
	if err != nil {
		return "", err
	}
	snap := repl.node.Branch().Snapshot()
	d := objectDump{ID: obj.ID().String(), Class: obj.Class().Name, Fields: map[string]any{}}
	for i, f := range obj.Class().Fields {
		d.Fields[f.Name] = snap.Lookup(obj, i)
	}
	for _, m := range snap.Since(snap.Base()) {
		v := m.Get(obj)
		if v == nil {
			continue
		}
		vd := versionDump{Seq: m.Seq(), Stamp: m.Stamp().String(), Remote: m.Remote()}
		for _, i := range v.Changed().Indexes() {
			vd.Fields = append(vd.Fields, obj.Class().Fields[i].Name)
		}
		d.Versions = append(d.Versions, vd)
	}
	return litter.Sdump(d), nil
}

func (repl *REPL) CommandRoot(args []string) (string, error) {
	if len(args) == 0 {
		root, err := repl.node.Root(repl.ctx)
		if err != nil || root == nil {
			return "none", err
		}
		return root.ID().String(), nil
	}
	obj, err := repl.object(args)
	if err != nil {
		return "", err
	}
	if err := repl.node.Persist(repl.ctx, repl.node.Store(), obj); err != nil {
		return "", err
	}
	return "", repl.node.SetRoot(repl.ctx, obj)
}

func (repl *REPL) CommandPeers() (string, error) {
	var b strings.Builder
	for _, s := range repl.node.Hub().Sessions() {
		fmt.Fprintf(&b, "%s\t%s\n", s.Peer(), s.Name())
	}
	for _, name := range repl.node.Net().Connected() {
		fmt.Fprintf(&b, "conn\t%s\n", name)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// object resolves args[0]: a full id, or /local for one of ours.
func (repl *REPL) object(args []string) (*fabric.Object, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: object id", ErrUsage)
	}
	s := args[0]
	if strings.HasPrefix(s, "/") {
		s = repl.node.Peer().String() + s
	}
	id, err := schema.ParseObjectID(s)
	if err != nil {
		return nil, err
	}
	obj, ok := repl.node.Branch().Object(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", fabric.ErrObjectUnknown, id)
	}
	return obj, nil
}

func assign(tx *fabric.Transaction, obj *fabric.Object, pairs []string) error {
	class := obj.Class()
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("%w: field=value, not %q", ErrUsage, p)
		}
		i := class.FieldIndex(name)
		if i < 0 {
			return fmt.Errorf("%w: %s.%s", ErrNoSuchName, class.Name, name)
		}
		v, err := parseValue(class.Fields[i], raw)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", class.Name, name, err)
		}
		if err := tx.Set(obj, i, v); err != nil {
			return err
		}
	}
	return nil
}
