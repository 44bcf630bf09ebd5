package internal

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
)

type MissingConnError struct {
	Addr string
}

func (e *MissingConnError) Error() string {
	return fmt.Sprintf("Missing connection for addr=%s", e.Addr)
}

type ConnMetadata struct {
	Conn net.Conn

	// Reverse is set for connections a peer opened to us and asked us to
	// reuse for traffic in the other direction.
	Reverse     bool
	CreatedTime int64
	LastUseTime int64
}

// ConnStore caches one outbound connection per peer address.
type ConnStore struct {
	mut_conns sync.RWMutex
	conns     map[string]*ConnMetadata
}

func CreateConnStore() *ConnStore {
	return &ConnStore{
		mut_conns: sync.RWMutex{},
		conns:     make(map[string]*ConnMetadata),
	}
}

func (store *ConnStore) HasConn(addr string) bool {
	store.mut_conns.RLock()
	defer store.mut_conns.RUnlock()

	_, has := store.conns[addr]
	return has
}

func (store *ConnStore) GetConn(addr string) (net.Conn, error) {
	store.mut_conns.Lock()
	defer store.mut_conns.Unlock()

	meta, has := store.conns[addr]
	if !has {
		return nil, &MissingConnError{Addr: addr}
	}
	meta.LastUseTime = time.Now().UnixMicro()
	return meta.Conn, nil
}

// PutConn stores conn for addr and returns the connection it replaced, if any.
func (store *ConnStore) PutConn(addr string, conn net.Conn, reverse bool) net.Conn {
	store.mut_conns.Lock()
	defer store.mut_conns.Unlock()

	var replaced net.Conn
	if old, has := store.conns[addr]; has && old.Conn != conn {
		replaced = old.Conn
	}

	now := time.Now().UnixMicro()
	store.conns[addr] = &ConnMetadata{
		Conn:        conn,
		Reverse:     reverse,
		CreatedTime: now,
		LastUseTime: now,
	}
	return replaced
}

// RemoveConn forgets conn under addr. A different connection cached for the
// same address is left alone.
func (store *ConnStore) RemoveConn(addr string, conn net.Conn) bool {
	store.mut_conns.Lock()
	defer store.mut_conns.Unlock()

	meta, has := store.conns[addr]
	if !has || meta.Conn != conn {
		return false
	}
	delete(store.conns, addr)
	return true
}

// ForgetConn drops conn from whichever address it is cached under.
func (store *ConnStore) ForgetConn(conn net.Conn) {
	store.mut_conns.Lock()
	defer store.mut_conns.Unlock()

	for addr, meta := range store.conns {
		if meta.Conn == conn {
			delete(store.conns, addr)
		}
	}
}

func (store *ConnStore) Len() int {
	store.mut_conns.RLock()
	defer store.mut_conns.RUnlock()
	return len(store.conns)
}

// GetIdleConnList lists the addresses whose connection was last used before
// deadline (UnixMicro).
func (store *ConnStore) GetIdleConnList(deadline int64) []string {
	store.mut_conns.RLock()
	defer store.mut_conns.RUnlock()

	idle := []string{}
	for addr, meta := range store.conns {
		if meta.LastUseTime < deadline {
			idle = append(idle, addr)
		}
	}
	return idle
}

// CloseAll closes and forgets every cached connection.
func (store *ConnStore) CloseAll() error {
	store.mut_conns.Lock()
	defer store.mut_conns.Unlock()

	var err error
	for addr, meta := range store.conns {
		err = multierr.Append(err, meta.Conn.Close())
		delete(store.conns, addr)
	}
	return err
}
