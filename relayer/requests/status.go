package requests

// Storage request statuses, in lifecycle order.
const (
	StoragePending        = "Pending"
	StorageUploaded       = "Uploaded"
	StorageStored         = "Stored"
	StorageProofGenerated = "ProofGenerated"
	StorageConfirmed      = "Confirmed"
	StorageFailed         = "Failed"
)

// Retrieval request statuses, in lifecycle order.
const (
	RetrievalPending         = "Pending"
	RetrievalAccessValidated = "AccessValidated"
	RetrievalRetrieved       = "Retrieved"
	RetrievalCompleted       = "Completed"
	RetrievalFailed          = "Failed"
)

// Compensation statuses.
const (
	CompensationPending = "pending"
	CompensationDone    = "done"
	CompensationFailed  = "failed"
)

// Bridge outcomes recorded on a confirmed storage request.
const (
	BridgeNotRequired = "not_required"
	BridgeDone        = "done"
	BridgeFailed      = "failed"
)

type lifecycle struct {
	order  []string
	failed string
}

var (
	storageLifecycle = lifecycle{
		order:  []string{StoragePending, StorageUploaded, StorageStored, StorageProofGenerated, StorageConfirmed},
		failed: StorageFailed,
	}
	retrievalLifecycle = lifecycle{
		order:  []string{RetrievalPending, RetrievalAccessValidated, RetrievalRetrieved, RetrievalCompleted},
		failed: RetrievalFailed,
	}
)

func (l lifecycle) rank(status string) int {
	for i, s := range l.order {
		if s == status {
			return i
		}
	}
	return -1
}

func (l lifecycle) terminal(status string) bool {
	return status == l.failed || status == l.order[len(l.order)-1]
}

// allowed reports whether from -> to is an edge: the next status in order,
// or Failed from any non-terminal status.
func (l lifecycle) allowed(from, to string) bool {
	i := l.rank(from)
	if i < 0 || l.terminal(from) {
		return false
	}
	if to == l.failed {
		return true
	}
	return l.rank(to) == i+1
}

// StorageTerminal reports whether status ends the storage lifecycle.
func StorageTerminal(status string) bool { return storageLifecycle.terminal(status) }

// RetrievalTerminal reports whether status ends the retrieval lifecycle.
func RetrievalTerminal(status string) bool { return retrievalLifecycle.terminal(status) }

// StorageReached reports whether a storage request in status has already
// passed through target. Failed has passed nothing.
func StorageReached(status, target string) bool {
	r := storageLifecycle.rank(status)
	return r >= 0 && r >= storageLifecycle.rank(target)
}

// RetrievalReached is StorageReached for retrievals.
func RetrievalReached(status, target string) bool {
	r := retrievalLifecycle.rank(status)
	return r >= 0 && r >= retrievalLifecycle.rank(target)
}
