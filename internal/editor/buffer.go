// Package editor implements the attributed collaborative text buffer.
// Every character remembers who wrote it, every mutation is a replicated
// change record, and replicas applying the same records in any order
// converge on the same text.
package editor

import (
	"fmt"
	"os"
	"sync"
	"unicode/utf8"

	"github.com/mnemosyne-dev/mnemosyne/internal/config"
	"github.com/mnemosyne-dev/mnemosyne/internal/semantic"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Actor identifies the author of a change, human or agent.
type Actor string

// CharID is the stable identity of one inserted character: the actor that
// created it plus that actor's clock at creation.
type CharID struct {
	Actor Actor  `json:"actor"`
	Clock uint64 `json:"clock"`
}

// root is the sentinel predecessor for inserts at the head of the buffer.
var root = CharID{}

func (id CharID) isRoot() bool { return id == root }

// Op is a change record's kind.
type Op string

const (
	OpInsert   Op = "insert"
	OpDelete   Op = "delete"
	OpUndelete Op = "undelete"
)

// Change is one replicated mutation. Lamport plus Origin gives a total
// order used to settle concurrent inserts at the same position.
type Change struct {
	Op      Op     `json:"op"`
	Char    CharID `json:"char"`
	Rune    rune   `json:"rune,omitempty"`
	After   CharID `json:"after,omitempty"`
	Lamport uint64 `json:"lamport"`
	Origin  Actor  `json:"origin"`
}

func (c Change) key() string {
	return fmt.Sprintf("%s/%s:%d@%d/%s", c.Op, c.Char.Actor, c.Char.Clock, c.Lamport, c.Origin)
}

// char is one buffer cell. Deleted characters stay as tombstones so late
// remote changes still find their positions.
type char struct {
	id      CharID
	r       rune
	lamport uint64
	origin  Actor
	deleted bool

	// Visibility is last-writer-wins over (visLamport, visOrigin) so
	// delete and undelete converge regardless of application order.
	visLamport uint64
	visOrigin  Actor
}

func (c *char) setVisibility(deleted bool, lamport uint64, origin Actor) {
	if lamport < c.visLamport || (lamport == c.visLamport && origin < c.visOrigin) {
		return
	}
	c.deleted = deleted
	c.visLamport = lamport
	c.visOrigin = origin
}

// deletionContextWindow is how many bytes around a deletion the semantic
// engine is told to re-derive.
const deletionContextWindow = 64

// Notifier receives change notifications; satisfied by *semantic.Engine.
type Notifier interface {
	NotifyChange(semantic.Change)
}

// Buffer is a single replica of the shared document.
type Buffer struct {
	mu      sync.Mutex
	actor   Actor
	clock   uint64
	lamport uint64
	chars   []char
	applied map[string]bool
	undo    [][]Change
	redo    [][]Change
	cfg     config.EditorConfig
	engine  Notifier
}

func NewBuffer(actor Actor, cfg config.EditorConfig, engine Notifier) *Buffer {
	return &Buffer{
		actor:   actor,
		cfg:     cfg,
		engine:  engine,
		applied: make(map[string]bool),
	}
}

// Text returns the visible document.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.textLocked()
}

func (b *Buffer) textLocked() string {
	runes := make([]rune, 0, len(b.chars))
	for _, c := range b.chars {
		if !c.deleted {
			runes = append(runes, c.r)
		}
	}
	return string(runes)
}

// Len returns the visible length in runes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visibleLenLocked()
}

func (b *Buffer) visibleLenLocked() int {
	n := 0
	for _, c := range b.chars {
		if !c.deleted {
			n++
		}
	}
	return n
}

// Insert places text at the visible rune position and returns the change
// records to replicate.
func (b *Buffer) Insert(pos int, text string) ([]Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.ReadOnly {
		return nil, types.NewError(types.VALIDATION_FAILED, "buffer is read-only")
	}
	if pos < 0 || pos > b.visibleLenLocked() {
		return nil, types.NewError(types.VALIDATION_FAILED,
			fmt.Sprintf("insert position %d out of range", pos))
	}

	startByte := b.byteOffsetLocked(pos)
	after := b.idAtVisibleLocked(pos - 1)
	changes := make([]Change, 0, len(text))
	for _, r := range text {
		b.clock++
		b.lamport++
		ch := Change{
			Op:      OpInsert,
			Char:    CharID{Actor: b.actor, Clock: b.clock},
			Rune:    r,
			After:   after,
			Lamport: b.lamport,
			Origin:  b.actor,
		}
		b.applyLocked(ch)
		changes = append(changes, ch)
		after = ch.Char
	}
	b.pushUndoLocked(changes)
	b.notifyLocked(startByte, startByte+len(text), false)
	return changes, nil
}

// Delete tombstones length visible runes starting at pos.
func (b *Buffer) Delete(pos, length int) ([]Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.ReadOnly {
		return nil, types.NewError(types.VALIDATION_FAILED, "buffer is read-only")
	}
	if length <= 0 || pos < 0 || pos+length > b.visibleLenLocked() {
		return nil, types.NewError(types.VALIDATION_FAILED,
			fmt.Sprintf("delete range [%d,%d) out of range", pos, pos+length))
	}

	startByte := b.byteOffsetLocked(pos)
	deletedBytes := 0
	for i := 0; i < length; i++ {
		deletedBytes += utf8.RuneLen(b.chars[b.visibleIndexLocked(pos+i)].r)
	}

	var changes []Change
	for i := 0; i < length; i++ {
		// Visible positions shift as tombstones land; pos stays put.
		id := b.idAtVisibleLocked(pos)
		b.lamport++
		ch := Change{
			Op:      OpDelete,
			Char:    id,
			Lamport: b.lamport,
			Origin:  b.actor,
		}
		b.applyLocked(ch)
		changes = append(changes, ch)
	}
	b.pushUndoLocked(changes)
	b.notifyLocked(startByte-deletionContextWindow, startByte+deletedBytes+deletionContextWindow, true)
	return changes, nil
}

// Apply integrates a change produced elsewhere. Applying the same record
// twice is a no-op, and application order does not matter.
func (b *Buffer) Apply(ch Change) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lamport < ch.Lamport {
		b.lamport = ch.Lamport
	}
	return b.applyLocked(ch)
}

func (b *Buffer) applyLocked(ch Change) error {
	if b.applied[ch.key()] {
		return nil
	}
	switch ch.Op {
	case OpInsert:
		b.integrateInsertLocked(ch)
	case OpDelete:
		if i := b.findLocked(ch.Char); i >= 0 {
			b.chars[i].setVisibility(true, ch.Lamport, ch.Origin)
		}
	case OpUndelete:
		if i := b.findLocked(ch.Char); i >= 0 {
			b.chars[i].setVisibility(false, ch.Lamport, ch.Origin)
		}
	default:
		return types.NewError(types.VALIDATION_FAILED, fmt.Sprintf("unknown op %q", ch.Op))
	}
	b.applied[ch.key()] = true
	return nil
}

// integrateInsertLocked places the character after its predecessor,
// skipping concurrent inserts that order ahead of it. Concurrent inserts
// at the same spot settle on (Lamport, Origin) descending, so every
// replica picks the same order.
func (b *Buffer) integrateInsertLocked(ch Change) {
	at := 0
	if !ch.After.isRoot() {
		i := b.findLocked(ch.After)
		if i < 0 {
			// Predecessor not seen yet; append at the end. The applied set
			// keeps this deterministic per replica history.
			at = len(b.chars)
		} else {
			at = i + 1
		}
	}
	for at < len(b.chars) {
		c := b.chars[at]
		if c.lamport > ch.Lamport || (c.lamport == ch.Lamport && c.origin > ch.Origin) {
			at++
			continue
		}
		break
	}
	b.chars = append(b.chars, char{})
	copy(b.chars[at+1:], b.chars[at:])
	b.chars[at] = char{
		id: ch.Char, r: ch.Rune,
		lamport: ch.Lamport, origin: ch.Origin,
		visLamport: ch.Lamport, visOrigin: ch.Origin,
	}
}

// AttributionAt returns who wrote the visible character at pos.
func (b *Buffer) AttributionAt(pos int) (Actor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.visibleIndexLocked(pos)
	if i < 0 {
		return "", types.NewError(types.VALIDATION_FAILED,
			fmt.Sprintf("position %d out of range", pos))
	}
	return b.chars[i].id.Actor, nil
}

// Attributions returns the author of every visible character in order.
func (b *Buffer) Attributions() []Actor {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Actor, 0, len(b.chars))
	for _, c := range b.chars {
		if !c.deleted {
			out = append(out, c.id.Actor)
		}
	}
	return out
}

// Undo reverses this replica's most recent local operation. Remote changes
// are never undone from here.
func (b *Buffer) Undo() ([]Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.ReadOnly {
		return nil, types.NewError(types.VALIDATION_FAILED, "buffer is read-only")
	}
	if len(b.undo) == 0 {
		return nil, nil
	}
	group := b.undo[len(b.undo)-1]
	b.undo = b.undo[:len(b.undo)-1]

	inverse := make([]Change, 0, len(group))
	for i := len(group) - 1; i >= 0; i-- {
		orig := group[i]
		b.lamport++
		inv := Change{Char: orig.Char, Lamport: b.lamport, Origin: b.actor}
		switch orig.Op {
		case OpInsert:
			inv.Op = OpDelete
		case OpDelete:
			inv.Op = OpUndelete
		case OpUndelete:
			inv.Op = OpDelete
		}
		b.applyLocked(inv)
		inverse = append(inverse, inv)
	}
	b.redo = append(b.redo, group)
	return inverse, nil
}

// Redo reapplies the last undone local operation as fresh changes.
func (b *Buffer) Redo() ([]Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.ReadOnly {
		return nil, types.NewError(types.VALIDATION_FAILED, "buffer is read-only")
	}
	if len(b.redo) == 0 {
		return nil, nil
	}
	group := b.redo[len(b.redo)-1]
	b.redo = b.redo[:len(b.redo)-1]

	redone := make([]Change, 0, len(group))
	for _, orig := range group {
		b.lamport++
		again := Change{Op: orig.Op, Char: orig.Char, Lamport: b.lamport, Origin: b.actor}
		switch orig.Op {
		case OpInsert:
			again.Op = OpUndelete
		}
		b.applyLocked(again)
		redone = append(redone, again)
	}
	b.undo = append(b.undo, group)
	return redone, nil
}

// LoadFile replaces the buffer content with the file's, attributed to this
// replica's actor. History and undo state reset.
func (b *Buffer) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.WrapError(types.STORAGE_OPEN_FAILED, "failed to read file", err)
	}
	b.mu.Lock()
	b.chars = nil
	b.applied = make(map[string]bool)
	b.undo = nil
	b.redo = nil
	b.mu.Unlock()
	_, err = b.Insert(0, string(data))
	return err
}

// SaveFile writes the visible text.
func (b *Buffer) SaveFile(path string) error {
	text := b.Text()
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return types.WrapError(types.STORAGE_WRITE_FAILED, "failed to write file", err)
	}
	return nil
}

// idAtVisibleLocked returns the ID of the visible character at pos, or
// root when pos is -1.
func (b *Buffer) idAtVisibleLocked(pos int) CharID {
	if pos < 0 {
		return root
	}
	i := b.visibleIndexLocked(pos)
	if i < 0 {
		return root
	}
	return b.chars[i].id
}

// byteOffsetLocked converts a visible rune position to its byte offset so
// notifications line up with the semantic engine's byte ranges.
func (b *Buffer) byteOffsetLocked(pos int) int {
	off, seen := 0, 0
	for _, c := range b.chars {
		if c.deleted {
			continue
		}
		if seen == pos {
			break
		}
		off += utf8.RuneLen(c.r)
		seen++
	}
	return off
}

func (b *Buffer) visibleIndexLocked(pos int) int {
	if pos < 0 {
		return -1
	}
	seen := 0
	for i, c := range b.chars {
		if c.deleted {
			continue
		}
		if seen == pos {
			return i
		}
		seen++
	}
	return -1
}

func (b *Buffer) findLocked(id CharID) int {
	for i, c := range b.chars {
		if c.id == id {
			return i
		}
	}
	return -1
}

func (b *Buffer) pushUndoLocked(changes []Change) {
	b.undo = append(b.undo, changes)
	b.redo = nil
}

func (b *Buffer) notifyLocked(start, end int, deleted bool) {
	if b.engine == nil {
		return
	}
	if start < 0 {
		start = 0
	}
	b.engine.NotifyChange(semantic.Change{Start: start, End: end, Deleted: deleted})
}
