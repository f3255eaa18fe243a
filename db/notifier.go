package db

// StoreSignal announces that a new key was committed to an index.
// Lightweight signal; the record itself is read back from the index.
type StoreSignal struct {
	Index string
	Seq   uint64
}

// StoreFilter selects signals by index name. Entries are glob patterns.
type StoreFilter struct {
	Indices []string // nil or empty = all indices
}

// StoreNotifier is called after an index commits a new key.
type StoreNotifier interface {
	Signal(index string, seq uint64)
}

// StoreSubscriber allows subscribing to store signals.
type StoreSubscriber interface {
	Subscribe(filter StoreFilter) (signals <-chan StoreSignal, cancel func())
}

// StoreHub combines both interfaces
type StoreHub interface {
	StoreNotifier
	StoreSubscriber
}
