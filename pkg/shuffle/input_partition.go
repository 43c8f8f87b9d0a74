package shuffle

// InputPartition is one producer-visible, per-destination slice of a
// Sink: everything a single Writer handle appends under partition i
// lands here. Group and Aggregate exchanges need different storage
// underneath (a plain buffered-and-sorted record store vs. a
// pre-aggregating hash table), so InputPartition is an interface; Flow
// and Sink operate on it without caring which kind backs it.
type InputPartition interface {
	flush() error
	close()
}

// GroupInputPartition buffers whole input records into bounded
// PointerTables, sorting each one by the full sort key as it seals
// (unless NoopPregroup defers all ordering to the Reader). Grounded on
// jogasaki's group::input_partition, which buffers into fixed-size
// pages for the same reason: an unbounded single sort over the whole
// partition would have worse latency and memory behaviour than many
// small bounded ones merged at read time (spec.md §4.2, §4.4).
type GroupInputPartition struct {
	store      *ArenaRecordStore
	info       *ShuffleInfo
	current    *PointerTable
	tablesSeal []*PointerTable
	tableCap   int
	noopSort   bool
}

// NewGroupInputPartition constructs an empty partition drawing record
// storage from store, comparing by info, sorting each sealed table
// unless noopSort defers sorting entirely to readers.
func NewGroupInputPartition(store *ArenaRecordStore, info *ShuffleInfo, tableCap int, noopSort bool) *GroupInputPartition {
	return &GroupInputPartition{store: store, info: info, tableCap: tableCap, noopSort: noopSort}
}

func (p *GroupInputPartition) ensureCurrent() {
	if p.current == nil {
		p.current = NewPointerTable(p.tableCap)
	}
}

// Write appends one record, built and ready in b, to this partition.
func (p *GroupInputPartition) Write(b *RecordBuilder) error {
	ptr, err := p.store.Append(p.info.Meta, b)
	if err != nil {
		return err
	}
	p.ensureCurrent()
	p.current.EmplaceBack(ptr)
	if p.current.Full() {
		p.sealCurrent()
	}
	return nil
}

func (p *GroupInputPartition) sealCurrent() {
	if p.current == nil || p.current.Len() == 0 {
		return
	}
	if !p.noopSort {
		p.current.Sort(func(a, b RecordPointer) bool { return p.info.LessSameStore(p.store, a, b) })
	}
	p.current.Seal()
	p.tablesSeal = append(p.tablesSeal, p.current)
	p.current = nil
}

// flush seals any partially-filled current table, making every written
// record visible to Tables.
func (p *GroupInputPartition) flush() error {
	p.sealCurrent()
	return nil
}

func (p *GroupInputPartition) close() { p.store.Close() }

// Tables returns every sealed PointerTable this partition holds, in
// write order. Only valid after flush.
func (p *GroupInputPartition) Tables() []*PointerTable { return p.tablesSeal }

// Store returns the ArenaRecordStore backing this partition's records,
// which readers need to dereference RecordPointers.
func (p *GroupInputPartition) Store() *ArenaRecordStore { return p.store }

// Info returns the ShuffleInfo this partition sorts and groups by.
func (p *GroupInputPartition) Info() *ShuffleInfo { return p.info }

// AggregateInputPartition pre-aggregates incoming records locally
// through a PreAggHashTable, keyed by grouping column bytes, before any
// shuffle takes place. When a new key would push the table's load factor
// past its cap (or
// a hopscotch insertion cannot find room), its entries are flushed into
// a sealed PointerTable of key pointers and the table is cleared for
// reuse — never resized, per spec.md §4.6's explicit redesign note
// ("Use a fixed max load factor... trigger a flush rather than a
// resize, to bound memory and avoid rehash pauses").
type AggregateInputPartition struct {
	keyStore   *ArenaRecordStore
	valueStore *ArenaRecordStore
	agg        *AggregateInfo
	ht         *PreAggHashTable
	flushed    []*PointerTable
}

// NewAggregateInputPartition constructs an empty partition.
func NewAggregateInputPartition(keyStore, valueStore *ArenaRecordStore, agg *AggregateInfo, bucketCount, neighbourhood int, loadFactorCap float64, hasher keyHasher) *AggregateInputPartition {
	return &AggregateInputPartition{
		keyStore:   keyStore,
		valueStore: valueStore,
		agg:        agg,
		ht:         NewPreAggHashTable(bucketCount, neighbourhood, loadFactorCap, hasher, keyStore, agg.Key),
	}
}

// Write folds one incoming record into this partition's running
// pre-aggregate, creating a new group entry on first sight of its key.
func (p *AggregateInputPartition) Write(inputBuf []byte) error {
	invariant(p.ht != nil, "AggregateInputPartition.Write", "write after release_hashtable")

	keyBuf := make([]byte, p.agg.Key.RecordSize)
	p.agg.projectKey(keyBuf, inputBuf)

	if stored, ok := p.ht.Find(keyBuf); ok {
		return p.combine(stored, inputBuf)
	}

	if p.ht.Full() {
		if err := p.flush(); err != nil {
			return err
		}
	}

	keyPtr, err := p.insertNew(keyBuf, inputBuf)
	if err != nil {
		return err
	}
	if p.ht.Insert(keyBuf, keyPtr) {
		return nil
	}
	// Relocation failed despite being under the load-factor cap: flush
	// and retry once against a freshly emptied table.
	if err := p.flush(); err != nil {
		return err
	}
	invariant(p.ht.Insert(keyBuf, keyPtr), "AggregateInputPartition.Write", "insert failed immediately after flush")
	return nil
}

func (p *AggregateInputPartition) combine(keyPtr RecordPointer, inputBuf []byte) error {
	valuePtr := p.valuePointerOf(keyPtr)
	valueBuf := p.valueStore.Bytes(valuePtr, p.agg.Value)
	for _, f := range p.agg.Funcs {
		state := valueBuf[f.ValueOffset : f.ValueOffset+8]
		if f.InputField < 0 {
			f.Agg.Combine(state, state)
			continue
		}
		srcFM := p.agg.Input.Fields[f.InputField]
		f.Agg.Combine(state, inputBuf[srcFM.Offset:srcFM.Offset+8])
	}
	return nil
}

// insertNew appends a fresh value record (each aggregate initialised
// then combined once with inputBuf) and a fresh key record (grouping
// columns plus a back-pointer to the value record just appended).
func (p *AggregateInputPartition) insertNew(keyBuf, inputBuf []byte) (RecordPointer, error) {
	vb := NewRecordBuilder(p.agg.Value)
	for _, f := range p.agg.Funcs {
		state := vb.buf[f.ValueOffset : f.ValueOffset+8]
		f.Agg.Init(state)
		if f.InputField < 0 {
			f.Agg.Combine(state, state)
			continue
		}
		srcFM := p.agg.Input.Fields[f.InputField]
		f.Agg.Combine(state, inputBuf[srcFM.Offset:srcFM.Offset+8])
	}
	valuePtr, err := p.valueStore.Append(p.agg.Value, vb)
	if err != nil {
		return RecordPointer{}, err
	}
	valuePage := p.valueStore.LastPageIndex()

	kb := NewRecordBuilder(p.agg.Key)
	copy(kb.buf, keyBuf)
	keyPtr, err := p.keyStore.Append(p.agg.Key, kb)
	if err != nil {
		return RecordPointer{}, err
	}
	dst := p.keyStore.Bytes(keyPtr, p.agg.Key)
	putBackPointer(dst, p.agg.backPointerOffset(), valuePage, uint32(valuePtr.off))
	return keyPtr, nil
}

func (p *AggregateInputPartition) valuePointerOf(keyPtr RecordPointer) RecordPointer {
	buf := p.keyStore.Bytes(keyPtr, p.agg.Key)
	pageID, off := getBackPointer(buf, p.agg.backPointerOffset())
	return p.valueStore.PointerAt(pageID, off)
}

// flush moves every current hash table entry's key pointer into a new
// sealed PointerTable (sorted by the key's grouping columns, for
// deterministic consumption) and clears the table for reuse. The key
// and value arena records themselves are untouched. A no-op when the
// table holds no entries or releaseHashtable has already run, so
// Writer.Flush stays idempotent and Flow.Transfer stays safe to call
// regardless of whether a producer already flushed.
func (p *AggregateInputPartition) flush() error {
	if p.ht == nil || p.ht.Len() == 0 {
		return nil
	}
	info := &ShuffleInfo{Meta: p.agg.Key, SortKey: p.agg.KeySortKey, GroupingColumnCount: len(p.agg.KeySortKey), NormalizeFloat: p.agg.NormalizeFloat}
	table := NewPointerTable(p.ht.Cap())
	p.ht.Each(func(key RecordPointer) { table.EmplaceBack(key) })
	table.Sort(func(a, b RecordPointer) bool { return info.LessSameStore(p.keyStore, a, b) })
	table.Seal()
	p.flushed = append(p.flushed, table)
	p.ht.Clear()
	return nil
}

// releaseHashtable drops this partition's PreAggHashTable after its
// final flush, once Transfer is certain no further Write calls can
// arrive. Distinct from flush: flush keeps the table around for reuse,
// this permanently retires it so its bucket array can be collected.
// Idempotent: called with p.ht already nil (releaseHashtable having
// already run) is a no-op. After Writer.Flush the table is still
// present but empty, so the final flush here adds nothing.
func (p *AggregateInputPartition) releaseHashtable() error {
	if p.ht == nil {
		return nil
	}
	if err := p.flush(); err != nil {
		return err
	}
	p.ht = nil
	return nil
}

func (p *AggregateInputPartition) close() {
	p.keyStore.Close()
	p.valueStore.Close()
}

// WriteEmptyGroup writes the single synthetic output row a scalar
// (no GROUP BY) aggregate produces when it receives zero input rows,
// e.g. COUNT(*) yielding 0 rather than no rows at all (spec.md §4.13).
func (p *AggregateInputPartition) WriteEmptyGroup() error {
	invariant(p.agg.ScalarAggregate(), "AggregateInputPartition.WriteEmptyGroup", "empty-input synthesis only applies with no grouping columns")
	keyBuf := make([]byte, p.agg.Key.RecordSize)
	vb := NewRecordBuilder(p.agg.Value)
	for _, f := range p.agg.Funcs {
		f.Agg.Init(vb.buf[f.ValueOffset : f.ValueOffset+8])
	}
	valuePtr, err := p.valueStore.Append(p.agg.Value, vb)
	if err != nil {
		return err
	}
	valuePage := p.valueStore.LastPageIndex()

	kb := NewRecordBuilder(p.agg.Key)
	copy(kb.buf, keyBuf)
	keyPtr, err := p.keyStore.Append(p.agg.Key, kb)
	if err != nil {
		return err
	}
	dst := p.keyStore.Bytes(keyPtr, p.agg.Key)
	putBackPointer(dst, p.agg.backPointerOffset(), valuePage, uint32(valuePtr.off))
	invariant(p.ht.Insert(keyBuf, keyPtr), "AggregateInputPartition.WriteEmptyGroup", "insert into empty table cannot fail")
	return nil
}

// Flushed returns every sealed key-pointer table this partition has
// produced, in flush order. Only complete after releaseHashtable.
func (p *AggregateInputPartition) Flushed() []*PointerTable { return p.flushed }

// KeyStore, ValueStore and Agg expose this partition's storage and
// metadata to the Aggregate reader, which must merge same-key entries
// directly across peer partitions.
func (p *AggregateInputPartition) KeyStore() *ArenaRecordStore   { return p.keyStore }
func (p *AggregateInputPartition) ValueStore() *ArenaRecordStore { return p.valueStore }
func (p *AggregateInputPartition) Agg() *AggregateInfo           { return p.agg }
