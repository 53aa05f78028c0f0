package actors

const (
	// WorkerInboxChLen is the inbox buffer of every worker and detached mailbox,
	// a sender blocks when it is full.
	WorkerInboxChLen = 256
)
