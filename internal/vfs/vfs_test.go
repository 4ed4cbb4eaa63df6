package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerncore/internal/kerr"
)

func TestCreateFileWriteReadRoundTrip(t *testing.T) {
	fs := NewRamfs()
	f, k := fs.Root().CreateFile("hello.txt")
	require.Equal(t, kerr.Ok, k, "create failed")

	_, k = f.Write(0, []byte("hi"))
	require.Equal(t, kerr.Ok, k, "write failed")

	buf := make([]byte, 2)
	_, k = f.Read(0, buf)
	require.Equal(t, kerr.Ok, k)
	assert.Equal(t, "hi", string(buf))
}

func TestResolveNestedPath(t *testing.T) {
	fs := NewRamfs()
	sub, _ := fs.Root().CreateDir("etc")
	sub.CreateFile("motd")

	n, k := fs.Resolve("/etc/motd")
	require.Equal(t, kerr.Ok, k, "resolve failed")
	assert.Equal(t, "motd", n.Name())
	assert.Equal(t, KindFile, n.Kind())
}

func TestResolveMissingIsNotFound(t *testing.T) {
	fs := NewRamfs()
	_, k := fs.Resolve("/nope")
	assert.Equal(t, kerr.NotFound, k)
}

func TestCreateDuplicateIsAlreadyExists(t *testing.T) {
	fs := NewRamfs()
	fs.Root().CreateFile("x")
	_, k := fs.Root().CreateFile("x")
	assert.Equal(t, kerr.AlreadyExists, k)
}
