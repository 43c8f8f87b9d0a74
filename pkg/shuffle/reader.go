package shuffle

// ReaderState is a GroupReader's lifecycle position: the state machine
// spec.md §4.4 describes as init -> before_member -> on_member ->
// {on_member|after_group} -> ... -> eof. Callers only ever drive two
// transitions, NextGroup and NextMember; everything else follows from
// the underlying data.
type ReaderState int8

const (
	StateInit ReaderState = iota
	StateBeforeMember
	StateOnMember
	StateAfterGroup
	StateEOF
)

// GroupReader is the consumer-facing iterator over one Source's
// transferred Group partitions: NextGroup advances to the next
// distinct grouping key (or reports eof), and once positioned on a
// group, NextMember walks its rows one at a time. Two implementations
// satisfy it — PQGroupReader's priority-queue k-way merge and
// SortedVectorGroupReader's single global sort — so a Flow can switch
// strategies via an Opt without its caller's read loop changing.
type GroupReader interface {
	// NextGroup advances past the current group (if any) to the next
	// one. Returns false once no groups remain or the request has been
	// cancelled (state becomes eof).
	NextGroup() bool
	// NextMember advances to the next member of the current group.
	// Returns false once the group is exhausted (state becomes
	// after_group); NextGroup must be called again before NextMember.
	NextMember() bool
	// Member returns the current row's store and pointer; valid only in
	// state on_member.
	Member() (*ArenaRecordStore, RecordPointer)
	// State reports the reader's current lifecycle position.
	State() ReaderState
	// Release returns this reader's resources. Must not be used
	// afterward.
	Release()
}
