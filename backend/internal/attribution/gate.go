package attribution

import (
	"collabEngine/backend/internal/doc"
)

type Command string

const (
	CommandInsertText  Command = "insertText"
	CommandBackspace   Command = "backspace"
	CommandDelete      Command = "delete"
	CommandEnter       Command = "enter"
	CommandPaste       Command = "paste"
	CommandInsertImage Command = "insertImage"
	CommandInsertBlock Command = "insertBlock"
)

// 所有会插入或删除内容的命令
var EditCommands = []Command{
	CommandInsertText, CommandBackspace, CommandDelete, CommandEnter,
	CommandPaste, CommandInsertImage, CommandInsertBlock,
}

type Request struct {
	Command   Command
	Selection Selection
	Session   Session
}

// Veto 是挂在命令上的一个检查，返回 true 表示拦下这次编辑
type Veto interface {
	Name() string
	Veto(v doc.View, req Request) bool
}

type namedVeto struct {
	name string
	fn   func(v doc.View, req Request) bool
}

func (n namedVeto) Name() string                      { return n.name }
func (n namedVeto) Veto(v doc.View, req Request) bool { return n.fn(v, req) }

func VetoFunc(name string, fn func(v doc.View, req Request) bool) Veto {
	return namedVeto{name: name, fn: fn}
}

// Gate 每个命令一条有序的 Veto 链，在构造编辑器时显式组装。
// 被拦下时不报错，静默丢弃这次输入。
type Gate struct {
	chains map[Command][]Veto
}

func NewGate() *Gate {
	return &Gate{chains: make(map[Command][]Veto)}
}

// DefaultGate 在所有编辑命令上挂归属检查
func DefaultGate() *Gate {
	g := NewGate()
	for _, c := range EditCommands {
		g.Register(c, Ownership())
	}
	return g
}

func (g *Gate) Register(cmd Command, v Veto) *Gate {
	g.chains[cmd] = append(g.chains[cmd], v)
	return g
}

func (g *Gate) Handlers(cmd Command) []string {
	names := make([]string, 0, len(g.chains[cmd]))
	for _, v := range g.chains[cmd] {
		names = append(names, v.Name())
	}
	return names
}

func (g *Gate) Allow(v doc.View, req Request) bool {
	for _, veto := range g.chains[req.Command] {
		if veto.Veto(v, req) {
			return false
		}
	}
	return true
}
