package internal

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnStorePutReplaceRemove(t *testing.T) {
	store := CreateConnStore()
	a, _ := net.Pipe()
	b, _ := net.Pipe()

	_, err := store.GetConn("peer:1")
	var missing *MissingConnError
	require.ErrorAs(t, err, &missing)

	assert.Nil(t, store.PutConn("peer:1", a, false))
	assert.True(t, store.HasConn("peer:1"))
	assert.Same(t, a, store.PutConn("peer:1", b, true))

	got, err := store.GetConn("peer:1")
	require.NoError(t, err)
	assert.Same(t, b, got)

	assert.False(t, store.RemoveConn("peer:1", a))
	assert.True(t, store.RemoveConn("peer:1", b))
	assert.Zero(t, store.Len())
}

func TestConnStoreForgetAndCloseAll(t *testing.T) {
	store := CreateConnStore()
	a, aPeer := net.Pipe()
	b, _ := net.Pipe()
	store.PutConn("a:1", a, false)
	store.PutConn("b:1", b, false)

	store.ForgetConn(a)
	assert.False(t, store.HasConn("a:1"))
	assert.Equal(t, 1, store.Len())

	require.NoError(t, store.CloseAll())
	assert.Zero(t, store.Len())

	a.Close()
	_, err := aPeer.Write([]byte{1})
	assert.Error(t, err)
}
