package bus

import (
	"strings"
	"sync"

	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// ownerTable follows the unique-name owners of well-known names that have
// subscriptions or proxies interested in them.
type ownerTable struct {
	mu     sync.RWMutex
	owners map[string]string
	refs   map[string]int
}

func newOwnerTable() *ownerTable {
	return &ownerTable{
		owners: make(map[string]string),
		refs:   make(map[string]int),
	}
}

// needsTracking reports whether name is a well-known name other than the bus daemon.
func needsTracking(name string) bool {
	return name != "" && !strings.HasPrefix(name, ":") && name != dbustypes.BusDaemonName
}

// ref increments the interest count and reports whether this is the first reference.
func (t *ownerTable) ref(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs[name]++
	return t.refs[name] == 1
}

// unref decrements the interest count and reports whether it dropped to zero.
func (t *ownerTable) unref(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.refs[name]
	if !ok {
		return false
	}
	if n > 1 {
		t.refs[name] = n - 1
		return false
	}
	delete(t.refs, name)
	delete(t.owners, name)
	return true
}

func (t *ownerTable) set(name, owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, tracked := t.refs[name]; !tracked {
		return
	}
	if owner == "" {
		delete(t.owners, name)
		return
	}
	t.owners[name] = owner
}

func (t *ownerTable) lookup(name string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.owners[name]
}

// apply updates the table from a NameOwnerChanged signal. It returns the decoded change.
func (t *ownerTable) apply(sig *dbustypes.Signal) (dbustypes.NameOwnerChange, bool) {
	change, ok := decodeNameOwnerChanged(sig)
	if !ok {
		return change, false
	}
	t.set(change.Name, change.NewOwner)
	return change, true
}

func isNameOwnerChanged(sig *dbustypes.Signal) bool {
	return sig.Sender == dbustypes.BusDaemonName &&
		sig.Interface == dbustypes.BusDaemonInterface &&
		sig.Member == dbustypes.MemberNameOwnerChanged
}

// decodeNameOwnerChanged decodes NameOwnerChanged(name string, old_owner string, new_owner string).
func decodeNameOwnerChanged(sig *dbustypes.Signal) (dbustypes.NameOwnerChange, bool) {
	if len(sig.Body) != 3 {
		return dbustypes.NameOwnerChange{}, false
	}
	name, ok1 := sig.Body[0].(string)
	oldOwner, ok2 := sig.Body[1].(string)
	newOwner, ok3 := sig.Body[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return dbustypes.NameOwnerChange{}, false
	}
	return dbustypes.NameOwnerChange{Name: name, OldOwner: oldOwner, NewOwner: newOwner}, true
}
