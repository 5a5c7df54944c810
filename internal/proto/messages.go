package proto

// Message IDs. The spec's message table (spec.md §6) leaves numeric
// ids unassigned ("id: —"); they are fixed here as the frame's
// dispatch key.
const (
	MsgHello uint32 = iota + 1
	MsgLinkState
	MsgToposync
	MsgTopodiff
	MsgCfslogState
	MsgCfslogData
)

// Hello is p2p_hello: {V, U0, U1, L}.
type Hello struct {
	Version      uint32
	UUIDHi       uint64
	UUIDLo       uint64
	ListenAddr   string
}

func (h Hello) Encode() *Document {
	d := NewDocument()
	d.SetInt("V", uint64(h.Version))
	d.SetInt("U0", h.UUIDHi)
	d.SetInt("U1", h.UUIDLo)
	d.SetStr("L", h.ListenAddr)
	return d
}

func DecodeHello(d *Document) (Hello, bool) {
	var h Hello
	v, ok := d.GetInt("V")
	if !ok {
		return h, false
	}
	u0, ok := d.GetInt("U0")
	if !ok {
		return h, false
	}
	u1, ok := d.GetInt("U1")
	if !ok {
		return h, false
	}
	l, ok := d.GetStr("L")
	if !ok {
		return h, false
	}
	return Hello{Version: uint32(v), UUIDHi: u0, UUIDLo: u1, ListenAddr: l}, true
}

// LinkState is p2p_linkstate.
type LinkState struct {
	SourceHi, SourceLo uint64
	SourceAddr         string
	PeerHi, PeerLo     uint64
	PeerAddr           string
	Connected          bool
	Sequence           uint32
}

func (l LinkState) Encode() *Document {
	d := NewDocument()
	d.SetInt("S_U0", l.SourceHi)
	d.SetInt("S_U1", l.SourceLo)
	d.SetStr("S_A", l.SourceAddr)
	d.SetInt("P_U0", l.PeerHi)
	d.SetInt("P_U1", l.PeerLo)
	d.SetStr("P_A", l.PeerAddr)
	var c uint64
	if l.Connected {
		c = 1
	}
	d.SetInt("C", c)
	d.SetInt("N", uint64(l.Sequence))
	return d
}

func DecodeLinkState(d *Document) (LinkState, bool) {
	var l LinkState
	var ok bool
	if l.SourceHi, ok = d.GetInt("S_U0"); !ok {
		return l, false
	}
	if l.SourceLo, ok = d.GetInt("S_U1"); !ok {
		return l, false
	}
	if l.SourceAddr, ok = d.GetStr("S_A"); !ok {
		return l, false
	}
	if l.PeerHi, ok = d.GetInt("P_U0"); !ok {
		return l, false
	}
	if l.PeerLo, ok = d.GetInt("P_U1"); !ok {
		return l, false
	}
	if l.PeerAddr, ok = d.GetStr("P_A"); !ok {
		return l, false
	}
	c, ok := d.GetInt("C")
	if !ok {
		return l, false
	}
	l.Connected = c != 0
	n, ok := d.GetInt("N")
	if !ok {
		return l, false
	}
	l.Sequence = uint32(n)
	return l, true
}

// TopoNode / TopoLink / Topology mirror spec.md §6's topology payload:
// {NC, LC, ES, N: list<{U1,U2,A}>, L: list<{U1,U2,W}>}.
type TopoNode struct {
	Hi, Lo uint64
	Addr   string
}

type TopoLink struct {
	NodeA, NodeB uint32 // indices into the Nodes slice
	Weight       uint32
}

type Topology struct {
	Nodes []TopoNode
	Links []TopoLink
}

func (t Topology) Encode() *Document {
	d := NewDocument()
	d.SetInt("NC", uint64(len(t.Nodes)))
	d.SetInt("LC", uint64(len(t.Links)))
	d.SetInt("ES", 0)

	nodes := make([]*Document, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		nd := NewDocument()
		nd.SetInt("U1", n.Hi)
		nd.SetInt("U2", n.Lo)
		nd.SetStr("A", n.Addr)
		nodes = append(nodes, nd)
	}
	d.SetList("N", nodes)

	links := make([]*Document, 0, len(t.Links))
	for _, l := range t.Links {
		ld := NewDocument()
		ld.SetInt("U1", uint64(l.NodeA))
		ld.SetInt("U2", uint64(l.NodeB))
		ld.SetInt("W", uint64(l.Weight))
		links = append(links, ld)
	}
	d.SetList("L", links)
	return d
}

func DecodeTopology(d *Document) (Topology, bool) {
	var t Topology
	nodes, ok := d.GetList("N")
	if !ok {
		return t, false
	}
	for _, nd := range nodes {
		hi, ok1 := nd.GetInt("U1")
		lo, ok2 := nd.GetInt("U2")
		addr, ok3 := nd.GetStr("A")
		if !ok1 || !ok2 || !ok3 {
			return t, false
		}
		t.Nodes = append(t.Nodes, TopoNode{Hi: hi, Lo: lo, Addr: addr})
	}

	links, ok := d.GetList("L")
	if !ok {
		return t, false
	}
	for _, ld := range links {
		a, ok1 := ld.GetInt("U1")
		b, ok2 := ld.GetInt("U2")
		w, ok3 := ld.GetInt("W")
		if !ok1 || !ok2 || !ok3 {
			return t, false
		}
		t.Links = append(t.Links, TopoLink{NodeA: uint32(a), NodeB: uint32(b), Weight: uint32(w)})
	}
	return t, true
}

// Toposync/Topodiff both just carry a Topology.
type Toposync struct{ Topology Topology }
type Topodiff struct{ Topology Topology }

// CfslogState is p2p_cfslog_state: {O0, O1, T}.
type CfslogState struct {
	OriginHi, OriginLo uint64
	KnownTop           uint64
}

func (c CfslogState) Encode() *Document {
	d := NewDocument()
	d.SetInt("O0", c.OriginHi)
	d.SetInt("O1", c.OriginLo)
	d.SetInt("T", c.KnownTop)
	return d
}

func DecodeCfslogState(d *Document) (CfslogState, bool) {
	var c CfslogState
	var ok bool
	if c.OriginHi, ok = d.GetInt("O0"); !ok {
		return c, false
	}
	if c.OriginLo, ok = d.GetInt("O1"); !ok {
		return c, false
	}
	if c.KnownTop, ok = d.GetInt("T"); !ok {
		return c, false
	}
	return c, true
}

// CfslogEntry is one element of CfslogData.Entries: {I, P}.
type CfslogEntry struct {
	ID      uint64
	Payload []byte
}

// CfslogData is p2p_cfslog_data: {O0, O1, E}.
type CfslogData struct {
	OriginHi, OriginLo uint64
	Entries            []CfslogEntry
}

func (c CfslogData) Encode() *Document {
	d := NewDocument()
	d.SetInt("O0", c.OriginHi)
	d.SetInt("O1", c.OriginLo)
	entries := make([]*Document, 0, len(c.Entries))
	for _, e := range c.Entries {
		ed := NewDocument()
		ed.SetInt("I", e.ID)
		ed.SetBlob("P", e.Payload)
		entries = append(entries, ed)
	}
	d.SetList("E", entries)
	return d
}

func DecodeCfslogData(d *Document) (CfslogData, bool) {
	var c CfslogData
	var ok bool
	if c.OriginHi, ok = d.GetInt("O0"); !ok {
		return c, false
	}
	if c.OriginLo, ok = d.GetInt("O1"); !ok {
		return c, false
	}
	entries, ok := d.GetList("E")
	if !ok {
		return c, false
	}
	for _, ed := range entries {
		id, ok1 := ed.GetInt("I")
		payload, ok2 := ed.GetBlob("P")
		if !ok1 || !ok2 {
			return c, false
		}
		c.Entries = append(c.Entries, CfslogEntry{ID: id, Payload: payload})
	}
	return c, true
}
