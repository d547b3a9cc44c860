package ctdbproto_test

import (
	"reflect"
	"testing"

	"github.com/ctdbgo/recoverd/internal/ctdbproto"
)

func TestNodeMapRoundTrip(t *testing.T) {
	t.Parallel()

	want := ctdbproto.NodeMap{
		Nodes: []ctdbproto.NodeMapEntry{
			{NID: 0, Flags: ctdbproto.FlagConnected},
			{NID: 1, Flags: ctdbproto.FlagConnected},
			{NID: 2, Flags: 0},
		},
	}

	got, err := ctdbproto.DecodeNodeMap(ctdbproto.EncodeNodeMap(want))
	if err != nil {
		t.Fatalf("DecodeNodeMap: %v", err)
	}

	if !want.Equal(got) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestNodeMapRoundTripEmpty(t *testing.T) {
	t.Parallel()

	want := ctdbproto.NodeMap{}

	got, err := ctdbproto.DecodeNodeMap(ctdbproto.EncodeNodeMap(want))
	if err != nil {
		t.Fatalf("DecodeNodeMap: %v", err)
	}

	if len(got.Nodes) != 0 {
		t.Errorf("got %d nodes, want 0", len(got.Nodes))
	}
}

func TestDatabaseMapRoundTrip(t *testing.T) {
	t.Parallel()

	want := ctdbproto.DatabaseMap{IDs: []ctdbproto.DatabaseID{1, 2, 3}}

	got, err := ctdbproto.DecodeDatabaseMap(ctdbproto.EncodeDatabaseMap(want))
	if err != nil {
		t.Fatalf("DecodeDatabaseMap: %v", err)
	}

	if !want.SetEqual(got) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if !reflect.DeepEqual(want.IDs, got.IDs) {
		t.Errorf("round trip order mismatch: got %+v, want %+v", got.IDs, want.IDs)
	}
}

func TestRoutingMapRoundTrip(t *testing.T) {
	t.Parallel()

	want := ctdbproto.RoutingMap{
		Generation: 0xDEADBEEF,
		Size:       3,
		Sequence:   []ctdbproto.NID{0, 1, 2},
	}

	got, err := ctdbproto.DecodeRoutingMap(ctdbproto.EncodeRoutingMap(want))
	if err != nil {
		t.Fatalf("DecodeRoutingMap: %v", err)
	}

	if !want.Equal(got) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRoutingMapRoundTripEmptySequence(t *testing.T) {
	t.Parallel()

	want := ctdbproto.RoutingMap{Generation: 1, Size: 0, Sequence: nil}

	got, err := ctdbproto.DecodeRoutingMap(ctdbproto.EncodeRoutingMap(want))
	if err != nil {
		t.Fatalf("DecodeRoutingMap: %v", err)
	}

	if got.Generation != want.Generation || got.Size != want.Size || len(got.Sequence) != 0 {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRecordHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	want := ctdbproto.RecordHeader{DMaster: 7, Sequence: 123456789}

	got, err := ctdbproto.DecodeRecordHeader(ctdbproto.EncodeRecordHeader(want))
	if err != nil {
		t.Fatalf("DecodeRecordHeader: %v", err)
	}

	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestNodeMapEqual(t *testing.T) {
	t.Parallel()

	a := ctdbproto.NodeMap{Nodes: []ctdbproto.NodeMapEntry{{NID: 0, Flags: ctdbproto.FlagConnected}}}
	b := ctdbproto.NodeMap{Nodes: []ctdbproto.NodeMapEntry{{NID: 0, Flags: ctdbproto.FlagConnected}}}
	c := ctdbproto.NodeMap{Nodes: []ctdbproto.NodeMapEntry{{NID: 0, Flags: 0}}}

	if !a.Equal(b) {
		t.Error("a.Equal(b) = false, want true")
	}
	if a.Equal(c) {
		t.Error("a.Equal(c) = true, want false")
	}
}

func TestDatabaseMapSetEqualIgnoresOrder(t *testing.T) {
	t.Parallel()

	a := ctdbproto.DatabaseMap{IDs: []ctdbproto.DatabaseID{1, 2, 3}}
	b := ctdbproto.DatabaseMap{IDs: []ctdbproto.DatabaseID{3, 1, 2}}

	if !a.SetEqual(b) {
		t.Error("SetEqual() = false for same-set different-order maps, want true")
	}
}

func TestNumActiveAndConnectedNIDs(t *testing.T) {
	t.Parallel()

	m := ctdbproto.NodeMap{
		Nodes: []ctdbproto.NodeMapEntry{
			{NID: 0, Flags: ctdbproto.FlagConnected},
			{NID: 1, Flags: 0},
			{NID: 2, Flags: ctdbproto.FlagConnected},
		},
	}

	if got := m.NumActive(); got != 2 {
		t.Errorf("NumActive() = %d, want 2", got)
	}

	want := []ctdbproto.NID{0, 2}
	got := m.ConnectedNIDs()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ConnectedNIDs() = %v, want %v", got, want)
	}
}
