package editor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-dev/mnemosyne/internal/config"
	"github.com/mnemosyne-dev/mnemosyne/internal/semantic"
)

func newBuffer(actor Actor) *Buffer {
	return NewBuffer(actor, config.EditorConfig{}, nil)
}

func applyAll(t *testing.T, b *Buffer, changes []Change) {
	t.Helper()
	for _, ch := range changes {
		require.NoError(t, b.Apply(ch))
	}
}

func TestInsertDeleteText(t *testing.T) {
	b := newBuffer("alice")

	_, err := b.Insert(0, "hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", b.Text())

	_, err = b.Delete(5, 6)
	require.NoError(t, err)
	assert.Equal(t, "hello", b.Text())

	_, err = b.Insert(5, "!")
	require.NoError(t, err)
	assert.Equal(t, "hello!", b.Text())
}

func TestInsertOutOfRangeRejected(t *testing.T) {
	b := newBuffer("alice")
	_, err := b.Insert(3, "x")
	require.Error(t, err)

	_, err = b.Delete(0, 1)
	require.Error(t, err)
}

func TestReadOnlyBufferRejectsMutations(t *testing.T) {
	b := NewBuffer("alice", config.EditorConfig{ReadOnly: true}, nil)
	_, err := b.Insert(0, "x")
	require.Error(t, err)
	_, err = b.Delete(0, 1)
	require.Error(t, err)
	_, err = b.Undo()
	require.Error(t, err)
}

func TestAttributionTracksAuthors(t *testing.T) {
	alice := newBuffer("alice")
	bob := newBuffer("bob")

	aliceChanges, err := alice.Insert(0, "ab")
	require.NoError(t, err)
	applyAll(t, bob, aliceChanges)

	bobChanges, err := bob.Insert(2, "cd")
	require.NoError(t, err)
	applyAll(t, alice, bobChanges)

	require.Equal(t, "abcd", alice.Text())
	assert.Equal(t, []Actor{"alice", "alice", "bob", "bob"}, alice.Attributions())

	who, err := alice.AttributionAt(3)
	require.NoError(t, err)
	assert.Equal(t, Actor("bob"), who)
}

func TestApplyIsIdempotent(t *testing.T) {
	alice := newBuffer("alice")
	bob := newBuffer("bob")

	changes, err := alice.Insert(0, "abc")
	require.NoError(t, err)

	applyAll(t, bob, changes)
	applyAll(t, bob, changes)
	assert.Equal(t, "abc", bob.Text())
}

func TestConvergenceIsOrderIndependent(t *testing.T) {
	alice := newBuffer("alice")
	bob := newBuffer("bob")

	base, err := alice.Insert(0, "shared")
	require.NoError(t, err)
	applyAll(t, bob, base)

	fromAlice, err := alice.Insert(0, "A")
	require.NoError(t, err)
	fromBob, err := bob.Insert(6, "B")
	require.NoError(t, err)

	// Cross-apply in opposite orders.
	applyAll(t, alice, fromBob)
	applyAll(t, bob, fromAlice)

	assert.Equal(t, alice.Text(), bob.Text())
	assert.Equal(t, "AsharedB", alice.Text())
}

func TestConcurrentInsertsAtSamePositionConverge(t *testing.T) {
	alice := newBuffer("alice")
	bob := newBuffer("bob")

	fromAlice, err := alice.Insert(0, "aaa")
	require.NoError(t, err)
	fromBob, err := bob.Insert(0, "bbb")
	require.NoError(t, err)

	applyAll(t, alice, fromBob)
	applyAll(t, bob, fromAlice)

	require.Equal(t, alice.Text(), bob.Text())
	assert.Len(t, alice.Text(), 6)
	// Runs stay contiguous rather than interleaving.
	assert.Contains(t, []string{"aaabbb", "bbbaaa"}, alice.Text())
}

func TestConcurrentDeleteAndEditConverge(t *testing.T) {
	alice := newBuffer("alice")
	bob := newBuffer("bob")

	base, err := alice.Insert(0, "abc")
	require.NoError(t, err)
	applyAll(t, bob, base)

	del, err := alice.Delete(1, 1)
	require.NoError(t, err)
	ins, err := bob.Insert(3, "d")
	require.NoError(t, err)

	applyAll(t, alice, ins)
	applyAll(t, bob, del)

	assert.Equal(t, "acd", alice.Text())
	assert.Equal(t, alice.Text(), bob.Text())
}

func TestUndoIsLocalOnly(t *testing.T) {
	alice := newBuffer("alice")
	bob := newBuffer("bob")

	fromBob, err := bob.Insert(0, "remote")
	require.NoError(t, err)
	applyAll(t, alice, fromBob)

	_, err = alice.Insert(6, " local")
	require.NoError(t, err)
	require.Equal(t, "remote local", alice.Text())

	undone, err := alice.Undo()
	require.NoError(t, err)
	assert.NotEmpty(t, undone)
	assert.Equal(t, "remote", alice.Text())

	// A second undo finds nothing local left to reverse.
	undone, err = alice.Undo()
	require.NoError(t, err)
	assert.Empty(t, undone)
	assert.Equal(t, "remote", alice.Text())
}

func TestUndoRedoCycle(t *testing.T) {
	b := newBuffer("alice")

	_, err := b.Insert(0, "abc")
	require.NoError(t, err)
	_, err = b.Delete(0, 1)
	require.NoError(t, err)
	require.Equal(t, "bc", b.Text())

	_, err = b.Undo()
	require.NoError(t, err)
	assert.Equal(t, "abc", b.Text())

	_, err = b.Redo()
	require.NoError(t, err)
	assert.Equal(t, "bc", b.Text())

	_, err = b.Undo()
	require.NoError(t, err)
	assert.Equal(t, "abc", b.Text())

	_, err = b.Undo()
	require.NoError(t, err)
	assert.Equal(t, "", b.Text())
}

func TestUndoPropagatesToReplicas(t *testing.T) {
	alice := newBuffer("alice")
	bob := newBuffer("bob")

	ins, err := alice.Insert(0, "oops")
	require.NoError(t, err)
	applyAll(t, bob, ins)

	undo, err := alice.Undo()
	require.NoError(t, err)
	applyAll(t, bob, undo)

	assert.Equal(t, "", alice.Text())
	assert.Equal(t, "", bob.Text())
}

func TestLoadAndSaveFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, writeFile(in, "file contents\n"))

	b := newBuffer("alice")
	require.NoError(t, b.LoadFile(in))
	assert.Equal(t, "file contents\n", b.Text())

	_, err := b.Insert(0, "edited ")
	require.NoError(t, err)
	require.NoError(t, b.SaveFile(out))

	b2 := newBuffer("bob")
	require.NoError(t, b2.LoadFile(out))
	assert.Equal(t, "edited file contents\n", b2.Text())
}

// recordingNotifier captures semantic change notifications.
type recordingNotifier struct {
	changes []semantic.Change
}

func (r *recordingNotifier) NotifyChange(ch semantic.Change) { r.changes = append(r.changes, ch) }

func TestDeletionNotifiesWithContextWindow(t *testing.T) {
	notifier := &recordingNotifier{}
	b := NewBuffer("alice", config.EditorConfig{}, notifier)

	_, err := b.Insert(0, "some text that will be partially deleted")
	require.NoError(t, err)
	notifier.changes = nil

	_, err = b.Delete(10, 4)
	require.NoError(t, err)

	require.Len(t, notifier.changes, 1)
	ch := notifier.changes[0]
	assert.True(t, ch.Deleted)
	assert.Equal(t, 0, ch.Start, "context window should clamp at buffer start")
	assert.Equal(t, 14+deletionContextWindow, ch.End)
}

func TestNotificationsUseByteOffsets(t *testing.T) {
	notifier := &recordingNotifier{}
	b := NewBuffer("alice", config.EditorConfig{}, notifier)

	_, err := b.Insert(0, "héllo wörld")
	require.NoError(t, err)
	require.Len(t, notifier.changes, 1)
	assert.Equal(t, 0, notifier.changes[0].Start)
	assert.Equal(t, len("héllo wörld"), notifier.changes[0].End)

	// Insert after the two-byte é: rune position 2 is byte offset 3.
	notifier.changes = nil
	_, err = b.Insert(2, "ß")
	require.NoError(t, err)
	require.Len(t, notifier.changes, 1)
	assert.Equal(t, len("hé"), notifier.changes[0].Start)
	assert.Equal(t, len("héß"), notifier.changes[0].End)

	// Delete ß and the l behind it: three bytes across two runes.
	notifier.changes = nil
	_, err = b.Delete(2, 2)
	require.NoError(t, err)
	require.Len(t, notifier.changes, 1)
	ch := notifier.changes[0]
	assert.True(t, ch.Deleted)
	assert.Equal(t, 0, ch.Start)
	assert.Equal(t, len("héßl")+deletionContextWindow, ch.End)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
