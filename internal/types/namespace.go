package types

import (
	"fmt"
	"strings"
)

// NamespaceKind discriminates the three visibility scopes.
type NamespaceKind string

const (
	ScopeGlobal  NamespaceKind = "global"
	ScopeProject NamespaceKind = "project"
	ScopeSession NamespaceKind = "session"
)

// Namespace is the visibility scope of a memory. Session sees
// Session ∪ Project ∪ Global, Project sees Project ∪ Global, Global sees
// only Global. The zero value is not valid; use Global().
type Namespace struct {
	Kind    NamespaceKind
	Project string
	Session string
}

func Global() Namespace {
	return Namespace{Kind: ScopeGlobal}
}

func Project(name string) Namespace {
	return Namespace{Kind: ScopeProject, Project: name}
}

func Session(project, id string) Namespace {
	return Namespace{Kind: ScopeSession, Project: project, Session: id}
}

// String encodes the namespace for storage:
// "global", "project:<name>", "session:<project>:<id>".
func (n Namespace) String() string {
	switch n.Kind {
	case ScopeProject:
		return fmt.Sprintf("project:%s", n.Project)
	case ScopeSession:
		return fmt.Sprintf("session:%s:%s", n.Project, n.Session)
	default:
		return "global"
	}
}

// ParseNamespace decodes the storage encoding produced by String.
func ParseNamespace(s string) (Namespace, error) {
	switch {
	case s == "" || s == "global":
		return Global(), nil
	case strings.HasPrefix(s, "project:"):
		name := strings.TrimPrefix(s, "project:")
		if name == "" {
			return Namespace{}, fmt.Errorf("namespace %q: empty project name", s)
		}
		return Project(name), nil
	case strings.HasPrefix(s, "session:"):
		rest := strings.TrimPrefix(s, "session:")
		project, id, ok := strings.Cut(rest, ":")
		if !ok || project == "" || id == "" {
			return Namespace{}, fmt.Errorf("namespace %q: want session:<project>:<id>", s)
		}
		return Session(project, id), nil
	default:
		return Namespace{}, fmt.Errorf("unknown namespace %q", s)
	}
}

// Visible returns the encoded namespaces a query from n may read, narrowest
// first. A Session query reads its session, its project, and global.
func (n Namespace) Visible() []string {
	switch n.Kind {
	case ScopeSession:
		return []string{n.String(), Project(n.Project).String(), Global().String()}
	case ScopeProject:
		return []string{n.String(), Global().String()}
	default:
		return []string{Global().String()}
	}
}

// CanSee reports whether a query from n may read memories stored in target.
func (n Namespace) CanSee(target Namespace) bool {
	t := target.String()
	for _, v := range n.Visible() {
		if v == t {
			return true
		}
	}
	return false
}

// Broader reports whether target is the same namespace or a strictly broader
// one. Links may only point at memories in the same or a broader namespace.
func (n Namespace) Broader(target Namespace) bool {
	return n.CanSee(target)
}
