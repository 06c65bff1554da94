package capability

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Rights is a bitset of operations a capability permits.
type Rights uint32

const (
	Read Rights = 1 << iota
	Write
	Delete
	Execute
	Create
	List
	Delegate
	Revoke
	AuditEmit
	PersistenceRead
	PersistenceWrite
	Log

	None Rights = 0
	All         = Read | Write | Delete | Execute | Create | List | Delegate | Revoke |
		AuditEmit | PersistenceRead | PersistenceWrite | Log
)

var rightNames = []struct {
	bit  Rights
	name string
}{
	{Read, "read"},
	{Write, "write"},
	{Delete, "delete"},
	{Execute, "execute"},
	{Create, "create"},
	{List, "list"},
	{Delegate, "delegate"},
	{Revoke, "revoke"},
	{AuditEmit, "audit_emit"},
	{PersistenceRead, "persistence_read"},
	{PersistenceWrite, "persistence_write"},
	{Log, "log"},
}

// Has reports whether every bit in o is set in r.
func (r Rights) Has(o Rights) bool { return r&o == o }

// Names lists the set rights in bit order.
func (r Rights) Names() []string {
	out := []string{}
	for _, n := range rightNames {
		if r&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (r Rights) String() string {
	if r == None {
		return "none"
	}
	return strings.Join(r.Names(), "|")
}

// ParseRights accepts right names; "all" or "*" grants every right.
func ParseRights(names []string) (Rights, error) {
	var r Rights
	for _, name := range names {
		switch name = strings.ToLower(strings.TrimSpace(name)); name {
		case "all", "*":
			r |= All
			continue
		}
		found := false
		for _, n := range rightNames {
			if n.name == name {
				r |= n.bit
				found = true
				break
			}
		}
		if !found {
			return None, fmt.Errorf("unknown right %q", name)
		}
	}
	return r, nil
}

func (r Rights) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Names())
}

func (r *Rights) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	v, err := ParseRights(names)
	if err != nil {
		return err
	}
	*r = v
	return nil
}
