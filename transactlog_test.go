package tdbcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []string
}

func (s *recordingSink) SelectTable(name string) error { s.events = append(s.events, "table:"+name); return nil }
func (s *recordingSink) SelectColumn(name string) error { s.events = append(s.events, "col:"+name); return nil }
func (s *recordingSink) SelectDescriptor() error        { s.events = append(s.events, "descriptor"); return nil }
func (s *recordingSink) SelectLinkList(row int64) error { s.events = append(s.events, "linklist"); return nil }
func (s *recordingSink) SetBinary(row int64, v []byte) error {
	s.events = append(s.events, "setbinary")
	return nil
}
func (s *recordingSink) LinkListInsert(pos int, target int64) error {
	s.events = append(s.events, "lli")
	return nil
}
func (s *recordingSink) LinkListSet(pos int, target int64) error {
	s.events = append(s.events, "lls")
	return nil
}
func (s *recordingSink) LinkListErase(pos int) error { s.events = append(s.events, "lle"); return nil }
func (s *recordingSink) LinkListClear() error        { s.events = append(s.events, "llc"); return nil }
func (s *recordingSink) InsertEmptyRow(row int64) error {
	s.events = append(s.events, "insert")
	return nil
}
func (s *recordingSink) RemoveRow(row int64) error { s.events = append(s.events, "remove"); return nil }
func (s *recordingSink) SetInt(row int64, v int64) error {
	s.events = append(s.events, "setint")
	return nil
}
func (s *recordingSink) SetBool(row int64, v bool) error { s.events = append(s.events, "setbool"); return nil }
func (s *recordingSink) SetString(row int64, v string) error {
	s.events = append(s.events, "setstring:"+v)
	return nil
}
func (s *recordingSink) SetDouble(row int64, v float64) error { s.events = append(s.events, "setdouble"); return nil }
func (s *recordingSink) SetTimestamp(row int64, v int64) error { s.events = append(s.events, "setts"); return nil }
func (s *recordingSink) SetLink(row int64, target int64) error { s.events = append(s.events, "setlink"); return nil }
func (s *recordingSink) SetLinkNull(row int64) error            { s.events = append(s.events, "setlinknull"); return nil }
func (s *recordingSink) AddColumn(name string, typ ColumnType, linkTarget string) error {
	s.events = append(s.events, "addcol:"+name)
	return nil
}
func (s *recordingSink) EraseColumn(column string) error { s.events = append(s.events, "erasecol"); return nil }
func (s *recordingSink) Commit() error                    { s.events = append(s.events, "commit"); return nil }

func TestTransactLogCoalescesSelects(t *testing.T) {
	enc := NewTransactLogEncoder()
	enc.InsertEmptyRow("People", 0)
	enc.SetString("People", "name", 0, "ada")
	enc.SetInt("People", "age", 0, 36)
	enc.SetString("People", "name", 1, "bob") // same table+column-sequence repeats
	enc.Commit()

	sink := &recordingSink{}
	require.NoError(t, ParseTransactLog(enc.Bytes(), sink))

	require.Equal(t, []string{
		"table:People",
		"insert",
		"col:name",
		"setstring:ada",
		"col:age",
		"setint",
		"col:name",
		"setstring:bob",
		"commit",
	}, sink.events)
}

func TestTransactLogBinaryAndDescriptorAndLinkList(t *testing.T) {
	enc := NewTransactLogEncoder()
	enc.AddColumn("Blobs", ColumnDef{Name: "data", Type: ColumnTypeBinary})
	enc.SetBinary("Blobs", "data", 0, []byte{0xde, 0xad, 0xbe, 0xef})
	enc.LinkListInsert("Blobs", "refs", 0, 0, 5)
	enc.LinkListSet("Blobs", "refs", 0, 0, 6)
	enc.LinkListErase("Blobs", "refs", 0, 0)
	enc.LinkListClear("Blobs", "refs", 0)
	enc.Commit()

	sink := &recordingSink{}
	require.NoError(t, ParseTransactLog(enc.Bytes(), sink))

	require.Equal(t, []string{
		"table:Blobs",
		"descriptor",
		"addcol:data",
		"col:data",
		"setbinary",
		"col:refs",
		"linklist",
		"lli",
		"linklist",
		"lls",
		"linklist",
		"lle",
		"linklist",
		"llc",
		"commit",
	}, sink.events)
}

func TestTransactLogZigzagNegatives(t *testing.T) {
	enc := NewTransactLogEncoder()
	enc.SetInt("T", "c", 0, -12345)
	enc.Commit()

	var got int64
	sink := &funcSink{setInt: func(row, v int64) error { got = v; return nil }}
	require.NoError(t, ParseTransactLog(enc.Bytes(), sink))
	require.Equal(t, int64(-12345), got)
}

// funcSink adapts individual callbacks into a LogSink for focused tests.
type funcSink struct {
	setInt func(row, v int64) error
}

func (s *funcSink) SelectTable(string) error                         { return nil }
func (s *funcSink) SelectColumn(string) error                        { return nil }
func (s *funcSink) SelectDescriptor() error                          { return nil }
func (s *funcSink) SelectLinkList(int64) error                       { return nil }
func (s *funcSink) SetBinary(int64, []byte) error                    { return nil }
func (s *funcSink) LinkListInsert(int, int64) error                  { return nil }
func (s *funcSink) LinkListSet(int, int64) error                     { return nil }
func (s *funcSink) LinkListErase(int) error                          { return nil }
func (s *funcSink) LinkListClear() error                             { return nil }
func (s *funcSink) InsertEmptyRow(int64) error                       { return nil }
func (s *funcSink) RemoveRow(int64) error                            { return nil }
func (s *funcSink) SetInt(row int64, v int64) error                  { return s.setInt(row, v) }
func (s *funcSink) SetBool(int64, bool) error                        { return nil }
func (s *funcSink) SetString(int64, string) error                    { return nil }
func (s *funcSink) SetDouble(int64, float64) error                   { return nil }
func (s *funcSink) SetTimestamp(int64, int64) error                  { return nil }
func (s *funcSink) SetLink(int64, int64) error                       { return nil }
func (s *funcSink) SetLinkNull(int64) error                          { return nil }
func (s *funcSink) AddColumn(string, ColumnType, string) error       { return nil }
func (s *funcSink) EraseColumn(string) error                         { return nil }
func (s *funcSink) Commit() error                                    { return nil }
