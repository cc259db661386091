package aodvv2

import "net/netip"

// clientTable is the bounded set of local addresses this router
// originates route replies for.
type clientTable struct {
	clients []netip.Prefix
}

// add registers addr as a client. Adding beyond the table's capacity
// or re-adding an existing client is a no-op.
func (t *clientTable) add(addr netip.Prefix) {
	if t.isClient(addr) || len(t.clients) >= MaxClients {
		return
	}
	t.clients = append(t.clients, addr)
}

func (t *clientTable) isClient(addr netip.Prefix) bool {
	for _, c := range t.clients {
		if c == addr {
			return true
		}
	}
	return false
}

func (t *clientTable) remove(addr netip.Prefix) {
	for i, c := range t.clients {
		if c == addr {
			t.clients = append(t.clients[:i], t.clients[i+1:]...)
			return
		}
	}
}
