package threadcontainer

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

func TestAddFindNamesRemove(t *testing.T) {
	c := New(testLogger())

	assert.True(t, c.Add("t1"))
	assert.False(t, c.Add("t1"))
	assert.True(t, c.Find("t1"))
	assert.ElementsMatch(t, []string{"t1"}, c.Names())

	c.Remove("t1")
	assert.False(t, c.Find("t1"))
}

func TestMarkDone(t *testing.T) {
	c := New(testLogger())
	c.Add("t1")
	c.MarkDone("t1")
	// MarkDone does not remove the entry; it only flags it.
	assert.True(t, c.Find("t1"))
}

func TestMarkDoneUnknownIsNoop(t *testing.T) {
	c := New(testLogger())
	assert.NotPanics(t, func() { c.MarkDone("nope") })
}

func TestCloseDetachesUnfinishedEntries(t *testing.T) {
	c := New(testLogger())
	c.Add("still-running")
	c.Add("finished")
	c.MarkDone("finished")

	c.Close()
	assert.Empty(t, c.Names())
}

func TestCloseWithNoEntries(t *testing.T) {
	c := New(testLogger())
	assert.NotPanics(t, func() { c.Close() })
}
